package swarm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ChuLiYu/swarm-pool/internal/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptDriver records every call and fails the selectors listed in missing
type scriptDriver struct {
	calls    []string
	missing  map[string]bool
	clickErr error
	text     string
}

func (d *scriptDriver) Open(ctx context.Context, url string) error {
	d.calls = append(d.calls, "open "+url)
	return nil
}

func (d *scriptDriver) WaitClickable(ctx context.Context, selector string, timeout time.Duration) (driver.Element, error) {
	if d.missing[selector] {
		return nil, errors.New("no such element")
	}
	return selector, nil
}

func (d *scriptDriver) TypeAndSubmit(ctx context.Context, el driver.Element, text string) error {
	d.calls = append(d.calls, fmt.Sprintf("type %v %s", el, text))
	return nil
}

func (d *scriptDriver) Click(ctx context.Context, el driver.Element) error {
	if d.clickErr != nil {
		return d.clickErr
	}
	d.calls = append(d.calls, fmt.Sprintf("click %v", el))
	return nil
}

func (d *scriptDriver) CurrentURL() string                              { return "" }
func (d *scriptDriver) PageText(ctx context.Context) (string, error)    { return d.text, nil }
func (d *scriptDriver) Screenshot(ctx context.Context) ([]byte, error) { return nil, nil }
func (d *scriptDriver) Close() error                                    { return nil }

func newScriptSession(d *scriptDriver) *Session {
	return &Session{
		Driver: d,
		Worker: 1,
		Label:  "bot1a2b3c4d",
		Wait:   driver.WaitPolicy{Timeout: 10 * time.Millisecond, Retries: 2, Pause: time.Millisecond},
	}
}

func TestJoinSequenceOrder(t *testing.T) {
	d := &scriptDriver{}
	s := newScriptSession(d)

	seq := JoinSequence(JoinPage{
		URL:          "https://join.example.test/",
		CodeSelector: "#game-input",
		JoinSelector: "#join",
		NameSelector: "#nickname",
	}, "424242")

	var stages []string
	for _, step := range seq {
		stages = append(stages, step.Stage)
		require.NoError(t, step.Run(context.Background(), s))
	}

	assert.Equal(t, []string{"open", "enter_code", "click_join", "enter_name"}, stages)
	assert.Equal(t, []string{
		"open https://join.example.test/",
		"type #game-input 424242",
		"click #join",
		"type #nickname bot1a2b3c4d",
	}, d.calls)
}

func TestClickStep(t *testing.T) {
	t.Run("clicks", func(t *testing.T) {
		d := &scriptDriver{}
		require.NoError(t, ClickStep("click_join", "#join").Run(context.Background(), newScriptSession(d)))
		assert.Equal(t, []string{"click #join"}, d.calls)
	})

	t.Run("button never shows", func(t *testing.T) {
		d := &scriptDriver{missing: map[string]bool{"#join": true}}
		err := ClickStep("click_join", "#join").Run(context.Background(), newScriptSession(d))

		var se *driver.StepError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "click_join", se.Stage)
		assert.Equal(t, "#join", se.Selector)
		assert.ErrorIs(t, err, driver.ErrNotInteractable)
		assert.Empty(t, d.calls)
	})

	t.Run("click rejected", func(t *testing.T) {
		d := &scriptDriver{clickErr: errors.New("element detached")}
		err := ClickStep("click_join", "#join").Run(context.Background(), newScriptSession(d))
		require.Error(t, err)
		assert.Equal(t, "click_join (#join): element detached", err.Error())
	})
}

func TestExpectTextStep(t *testing.T) {
	d := &scriptDriver{text: "You're in! See your name on screen?"}
	s := newScriptSession(d)

	assert.NoError(t, ExpectTextStep("confirm", "You're in").Run(context.Background(), s))

	err := ExpectTextStep("confirm", "Game over").Run(context.Background(), s)
	var se *driver.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "confirm", se.Stage)
	assert.Contains(t, err.Error(), `page text missing "Game over"`)
}

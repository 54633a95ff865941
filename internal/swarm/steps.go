package swarm

// ============================================================================
// 職責說明：
// 1. 定義 UI 流程的單一步驟 (Step) 與 worker 的 Session
// 2. 提供常用步驟：開啟頁面、輸入、點擊、檢查頁面文字
// 3. 組合預設的加入流程 (JoinSequence)
// ============================================================================

import (
	"context"
	"fmt"
	"strings"

	"github.com/ChuLiYu/swarm-pool/internal/driver"
	"github.com/ChuLiYu/swarm-pool/pkg/types"
)

// Session is what a step sees of its worker
type Session struct {
	Driver driver.Driver
	Worker types.WorkerID
	Label  string
	Wait   driver.WaitPolicy
}

// Step is one stage of a UI sequence. Stage is reported as in_progress(stage).
type Step struct {
	Stage string
	Run   func(ctx context.Context, s *Session) error
}

// OpenStep navigates to url
func OpenStep(stage, url string) Step {
	return Step{Stage: stage, Run: func(ctx context.Context, s *Session) error {
		if err := s.Driver.Open(ctx, url); err != nil {
			return &driver.StepError{Stage: stage, Err: fmt.Errorf("%w: %w", driver.ErrNavigation, err)}
		}
		return nil
	}}
}

// FillStep types text(s) into selector and submits. A nil text types the
// session label.
func FillStep(stage, selector string, text func(s *Session) string) Step {
	return Step{Stage: stage, Run: func(ctx context.Context, s *Session) error {
		el, err := driver.FindClickable(ctx, s.Driver, selector, s.Wait)
		if err != nil {
			return &driver.StepError{Stage: stage, Selector: selector, Err: err}
		}
		value := s.Label
		if text != nil {
			value = text(s)
		}
		if err := s.Driver.TypeAndSubmit(ctx, el, value); err != nil {
			return &driver.StepError{Stage: stage, Selector: selector, Err: err}
		}
		return nil
	}}
}

// ClickStep clicks selector once it is clickable
func ClickStep(stage, selector string) Step {
	return Step{Stage: stage, Run: func(ctx context.Context, s *Session) error {
		el, err := driver.FindClickable(ctx, s.Driver, selector, s.Wait)
		if err != nil {
			return &driver.StepError{Stage: stage, Selector: selector, Err: err}
		}
		if err := s.Driver.Click(ctx, el); err != nil {
			return &driver.StepError{Stage: stage, Selector: selector, Err: err}
		}
		return nil
	}}
}

// ExpectTextStep fails unless the page text contains want
func ExpectTextStep(stage, want string) Step {
	return Step{Stage: stage, Run: func(ctx context.Context, s *Session) error {
		text, err := s.Driver.PageText(ctx)
		if err != nil {
			return &driver.StepError{Stage: stage, Err: err}
		}
		if !strings.Contains(text, want) {
			return &driver.StepError{Stage: stage, Err: fmt.Errorf("page text missing %q", want)}
		}
		return nil
	}}
}

// JoinPage locates the elements of the room entry page
type JoinPage struct {
	URL          string
	CodeSelector string // room code input
	JoinSelector string // button that submits the code
	NameSelector string // nickname input shown after joining
}

// JoinSequence is the stock join flow: open the entry page, enter the room
// code, press Join, enter the label.
func JoinSequence(page JoinPage, code string) []Step {
	return []Step{
		OpenStep("open", page.URL),
		FillStep("enter_code", page.CodeSelector, func(*Session) string { return code }),
		ClickStep("click_join", page.JoinSelector),
		FillStep("enter_name", page.NameSelector, nil),
	}
}

// ============================================================================
// swarm-pool UI Driver 抽象
// ============================================================================
//
// Package: internal/driver
// 文件: driver.go
// 功能: 一個自動化瀏覽器 session 的抽象介面
//
// 編排核心不直接操作瀏覽器，只透過 Factory 建立的 Driver。
// 每次等待元素都經過 FindClickable：有限次重試後回報 NotInteractable；
// session 已關閉或頁面遺失則不重試。
//
// ============================================================================

package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/swarm-pool/internal/retry"
)

var (
	// ErrNotInteractable means the element never became ready within its retries
	ErrNotInteractable = errors.New("element not interactable")
	// ErrNavigation means the target page could not be reached
	ErrNavigation = errors.New("navigation failed")
	// ErrSessionClosed means the driver was used after Close
	ErrSessionClosed = errors.New("session closed")
)

// Element is an opaque handle to a page element owned by the driver that returned it
type Element interface{}

// Driver is one live UI session. Implementations need not be safe for concurrent
// use except for Screenshot, which may be called out of band.
type Driver interface {
	Open(ctx context.Context, url string) error
	// WaitClickable makes a single bounded attempt to find a clickable element.
	WaitClickable(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	TypeAndSubmit(ctx context.Context, el Element, text string) error
	Click(ctx context.Context, el Element) error
	CurrentURL() string
	PageText(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Factory builds drivers
type Factory interface {
	NewDriver(ctx context.Context) (Driver, error)
}

// FactoryFunc adapts a function to Factory
type FactoryFunc func(ctx context.Context) (Driver, error)

func (f FactoryFunc) NewDriver(ctx context.Context) (Driver, error) { return f(ctx) }

// WaitPolicy bounds one clickable wait
type WaitPolicy struct {
	Timeout time.Duration // per attempt
	Retries int           // total attempts
	Pause   time.Duration // between attempts
}

// DefaultWaitPolicy is 8s per attempt, 3 attempts, 300ms apart.
func DefaultWaitPolicy() WaitPolicy {
	return WaitPolicy{Timeout: 8 * time.Second, Retries: 3, Pause: 300 * time.Millisecond}
}

// StepError is a failed UI step
type StepError struct {
	Stage    string
	Selector string
	Err      error
}

func (e *StepError) Error() string {
	if e.Selector == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Stage, e.Selector, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// FindClickable waits for selector to become clickable, retrying per policy.
// Exhausted retries surface as ErrNotInteractable. A closed session or a lost
// page is not retried and comes back as is.
func FindClickable(ctx context.Context, d Driver, selector string, p WaitPolicy) (Element, error) {
	var el Element
	err := retry.Do(ctx, retry.Policy{Attempts: p.Retries, Interval: p.Pause}, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()

		found, err := d.WaitClickable(attemptCtx, selector, p.Timeout)
		if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrNavigation) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		el = found
		return nil
	})
	if err == nil {
		return el, nil
	}
	switch retry.ReasonOf(err) {
	case retry.ReasonCancelled:
		return nil, err
	case retry.ReasonPermanent:
		return nil, fmt.Errorf("%s: %w", selector, err)
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrNotInteractable, selector, err)
}

// Reason renders err as the short failure reason stored in a worker status.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotInteractable):
		return "not_interactable: " + err.Error()
	case errors.Is(err, ErrNavigation):
		return "navigation: " + err.Error()
	case errors.Is(err, ErrSessionClosed):
		return "session_closed: " + err.Error()
	case errors.Is(err, context.Canceled), retry.ReasonOf(err) == retry.ReasonCancelled:
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout: " + err.Error()
	default:
		return err.Error()
	}
}

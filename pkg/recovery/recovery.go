// Package recovery classifies step-execution failures and drives the
// recovery strategy for each: retry with backoff, an escalated alternative
// for recurring failures, or an immediate fail-fast for errors no retry
// can cure.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/scriptorhq/scriptor/pkg/config"
	"github.com/scriptorhq/scriptor/pkg/log"
)

// Category buckets a failure for strategy selection.
type Category string

const (
	CategoryInitialization Category = "initialization"
	CategoryNetwork        Category = "network"
	CategoryService        Category = "service"
	CategoryValidation     Category = "validation"
	CategoryAuthentication Category = "authentication"
	CategoryWorkflowLogic  Category = "workflow_logic"
	CategoryPersistence    Category = "persistence"
	CategoryFilesystem     Category = "filesystem"
	CategoryResource       Category = "resource"
	CategoryUnknown        Category = "unknown"
)

// Severity grades how dangerous a category is for the workflow.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// classificationRules is checked top to bottom; the first matching pattern
// decides the category. Precedence matters: credential wording must win
// over the network wording that often surrounds it.
var classificationRules = []struct {
	pattern  *regexp.Regexp
	category Category
}{
	{regexp.MustCompile(`(?i)credential|api key|not initialized|initialization failed`), CategoryInitialization},
	{regexp.MustCompile(`(?i)connection|timed? ?out|network|dial tcp|unreachable|refused`), CategoryNetwork},
	{regexp.MustCompile(`(?i)provider|service unavailable|quota|rate limit|completion`), CategoryService},
	{regexp.MustCompile(`(?i)malformed|invalid response|unexpected format|parse|schema`), CategoryValidation},
	{regexp.MustCompile(`(?i)unauthorized|forbidden|token expired|authentication`), CategoryAuthentication},
	{regexp.MustCompile(`(?i)workflow|step|routing|artifact|sequence`), CategoryWorkflowLogic},
	{regexp.MustCompile(`(?i)persist|save failed|database|redis|store`), CategoryPersistence},
	{regexp.MustCompile(`(?i)no such file|permission denied|file|directory`), CategoryFilesystem},
	{regexp.MustCompile(`(?i)out of memory|too many open|resource`), CategoryResource},
}

// Classify buckets an error by its message. Unmatched errors are unknown.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	message := err.Error()
	for _, rule := range classificationRules {
		if rule.pattern.MatchString(message) {
			return rule.category
		}
	}

	return CategoryUnknown
}

// SeverityOf grades a category.
func SeverityOf(category Category) Severity {
	switch category {
	case CategoryAuthentication, CategoryPersistence:
		return SeverityCritical
	case CategoryWorkflowLogic, CategoryService:
		return SeverityHigh
	case CategoryNetwork, CategoryValidation:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Strategy names one recovery approach.
type Strategy string

const (
	StrategyRetryBackoff   Strategy = "retry_with_backoff"
	StrategySwitchEndpoint Strategy = "switch_endpoint"
	StrategyOfflineMode    Strategy = "offline_mode"
	StrategyRefreshToken   Strategy = "refresh_token"
	StrategyRollback       Strategy = "rollback_checkpoint"
	StrategySkipStep       Strategy = "skip_step"
	StrategyFailFast       Strategy = "fail_fast"
)

// strategyTable lists each category's strategies in escalation order:
// recurring identical failures move down the list.
var strategyTable = map[Category][]Strategy{
	CategoryInitialization: {StrategyFailFast},
	CategoryNetwork:        {StrategyRetryBackoff, StrategySwitchEndpoint, StrategyOfflineMode},
	CategoryService:        {StrategyRetryBackoff, StrategySwitchEndpoint, StrategyFailFast},
	CategoryValidation:     {StrategyRetryBackoff, StrategySkipStep},
	CategoryAuthentication: {StrategyRefreshToken, StrategyFailFast},
	CategoryWorkflowLogic:  {StrategyRollback, StrategySkipStep},
	CategoryPersistence:    {StrategyRetryBackoff, StrategyOfflineMode},
	CategoryFilesystem:     {StrategyRetryBackoff, StrategyFailFast},
	CategoryResource:       {StrategyRetryBackoff, StrategyOfflineMode},
	CategoryUnknown:        {StrategyRetryBackoff, StrategyFailFast},
}

// criticalOverrides pin a strategy for CRITICAL severity regardless of how
// often the error has recurred.
var criticalOverrides = map[Category]Strategy{
	CategoryAuthentication: StrategyRefreshToken,
	CategoryPersistence:    StrategyOfflineMode,
}

// userMessages give the operator a remedial action per category.
var userMessages = map[Category]string{
	CategoryInitialization: "Your provider credentials are missing or invalid. Reconnect your account and start the workflow again.",
	CategoryNetwork:        "A network problem interrupted the workflow. It will be retried automatically; check your connection if it persists.",
	CategoryService:        "The completion provider is having trouble. The step will be retried; consider switching providers if it persists.",
	CategoryValidation:     "The provider returned an unusable answer. The step will be retried with the same input.",
	CategoryAuthentication: "Your session with the provider expired. Reconnect your account to continue.",
	CategoryWorkflowLogic:  "The workflow reached an inconsistent state. It can be rolled back to the last safe checkpoint.",
	CategoryPersistence:    "Workflow state could not be saved. Progress continues in memory but may be lost on restart.",
	CategoryFilesystem:     "A required file could not be accessed. Check the configured paths and permissions.",
	CategoryResource:       "The system is low on resources. The step will be retried once load drops.",
	CategoryUnknown:        "An unexpected error interrupted the workflow. The step will be retried.",
}

const (
	fingerprintMaxLen = 100
	maxRetryAttempts  = 3
)

var digitRun = regexp.MustCompile(`\d+`)

// Fingerprint normalizes an error message for recurrence tracking: digit
// runs are collapsed so ids, ports and timestamps do not split otherwise
// identical failures, and the result is capped at 100 characters.
func Fingerprint(err error) string {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	message = digitRun.ReplaceAllString(message, "#")

	if len(message) > fingerprintMaxLen {
		message = message[:fingerprintMaxLen]
	}

	return message
}

// Attempt describes the failed step execution being recovered.
type Attempt struct {
	WorkflowID string
	AgentID    string
	StepIndex  int
	Err        error
}

// Outcome reports what recovery achieved. When Success is false the outcome
// is a fallback response: it carries both the original and the recovery
// error plus a user-facing message, and is returned rather than thrown so
// the engine can decide what to do with the recommended strategy.
type Outcome struct {
	Success      bool
	Attempts     int
	Category     Category
	Severity     Severity
	Strategy     Strategy
	Err          error
	RecoveryErr  error
	UserMessage  string
	CanRetryStep bool
}

// FailFastError wraps an unrecoverable failure together with the remedial
// message shown to the user.
type FailFastError struct {
	Category    Category
	UserMessage string
	Err         error
}

func (e *FailFastError) Error() string {
	return fmt.Sprintf("unrecoverable %s failure: %v", e.Category, e.Err)
}

func (e *FailFastError) Unwrap() error { return e.Err }

// Manager tracks failure recurrence and executes recovery strategies.
type Manager struct {
	cfg    config.Retry
	logger *slog.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error

	// jitter maps a computed delay to its jittered value.
	jitter func(d time.Duration) time.Duration

	mu          sync.Mutex
	occurrences map[string]int
}

// NewManager builds a recovery manager with the configured backoff bounds.
func NewManager(cfg config.Retry, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		logger:      log.WithModule(logger, "recovery"),
		sleep:       sleepContext,
		jitter:      applyJitter,
		occurrences: make(map[string]int),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover classifies the failure, picks a strategy and executes it. The
// retry callback re-runs the failed work; it is only invoked for retrying
// strategies. fail_fast is the single strategy that returns an error
// instead of a fallback outcome.
func (m *Manager) Recover(ctx context.Context, attempt Attempt, retry func(ctx context.Context) error) (*Outcome, error) {
	category := Classify(attempt.Err)
	severity := SeverityOf(category)
	occurrence := m.record(Fingerprint(attempt.Err))
	strategy := selectStrategy(category, severity, occurrence)

	m.logger.InfoContext(ctx, "recovering from step failure",
		"workflow_id", attempt.WorkflowID,
		"step_index", attempt.StepIndex,
		"category", category,
		"severity", severity,
		"strategy", strategy,
		"occurrence", occurrence,
	)

	if strategy == StrategyFailFast {
		return nil, &FailFastError{
			Category:    category,
			UserMessage: userMessages[category],
			Err:         attempt.Err,
		}
	}

	if strategy == StrategyRetryBackoff {
		return m.retryWithBackoff(ctx, attempt, category, severity, retry)
	}

	// Non-retrying strategies are recommendations the engine acts on:
	// rollback, skip, endpoint/provider switches, token refresh.
	return &Outcome{
		Success:     false,
		Category:    category,
		Severity:    severity,
		Strategy:    strategy,
		Err:         attempt.Err,
		UserMessage: userMessages[category],
	}, nil
}

func (m *Manager) retryWithBackoff(ctx context.Context, attempt Attempt, category Category, severity Severity, retry func(ctx context.Context) error) (*Outcome, error) {
	var lastErr error

	for n := 1; n <= maxRetryAttempts; n++ {
		if err := m.sleep(ctx, m.backoff(n)); err != nil {
			return nil, err
		}

		if lastErr = retry(ctx); lastErr == nil {
			return &Outcome{
				Success:  true,
				Attempts: n + 1,
				Category: category,
				Severity: severity,
				Strategy: StrategyRetryBackoff,
			}, nil
		}

		m.logger.WarnContext(ctx, "retry attempt failed",
			"workflow_id", attempt.WorkflowID, "attempt", n+1, "error", lastErr)
	}

	return &Outcome{
		Success:     false,
		Attempts:    maxRetryAttempts + 1,
		Category:    category,
		Severity:    severity,
		Strategy:    StrategyRetryBackoff,
		Err:         attempt.Err,
		RecoveryErr: lastErr,
		UserMessage: userMessages[category],
	}, nil
}

// Reset clears the recurrence history, e.g. after a workflow completes.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.occurrences = make(map[string]int)
}

func (m *Manager) record(fingerprint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.occurrences[fingerprint]++

	return m.occurrences[fingerprint]
}

// selectStrategy picks from the category's escalation list by occurrence
// count; CRITICAL severity pins the category override instead.
func selectStrategy(category Category, severity Severity, occurrence int) Strategy {
	if severity == SeverityCritical {
		if override, ok := criticalOverrides[category]; ok {
			return override
		}
	}

	strategies := strategyTable[category]
	if len(strategies) == 0 {
		strategies = strategyTable[CategoryUnknown]
	}

	index := occurrence - 1
	if index >= len(strategies) {
		index = len(strategies) - 1
	}

	return strategies[index]
}

// backoff computes the delay before retry attempt n:
// min(base * 2^(n-1), maxDelay), then +/-25% jitter.
func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.cfg.BaseDelay.Std() << (attempt - 1)
	if maxDelay := m.cfg.MaxDelay.Std(); delay > maxDelay {
		delay = maxDelay
	}

	return m.jitter(delay)
}

func applyJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}

	// Spread is [-25%, +25%) of the computed delay.
	spread := time.Duration(float64(d) * 0.25)

	return d - spread + time.Duration(rand.Float64()*float64(2*spread))
}

package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/carepath/report-pipeline/pkg/anthropic"
	"github.com/carepath/report-pipeline/pkg/notify"
)

// --- Anthropic Client Mock ---

type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) Complete(ctx context.Context, req anthropic.Request) (*anthropic.Completion, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.Completion), args.Error(1)
}

// --- Evaluator Mock ---

type mockEvaluator struct {
	mock.Mock
}

func (m *mockEvaluator) Evaluate(ctx context.Context, req EvaluationRequest) (*Evaluation, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Evaluation), args.Error(1)
}

// --- Sender Mock ---

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, msg notify.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// --- Func fakes ---

type evaluatorFunc func(ctx context.Context, req EvaluationRequest) (*Evaluation, error)

func (f evaluatorFunc) Evaluate(ctx context.Context, req EvaluationRequest) (*Evaluation, error) {
	return f(ctx, req)
}

type generatorFunc func(ctx context.Context, req SectionRequest) (*GeneratedSection, error)

func (f generatorFunc) Generate(ctx context.Context, req SectionRequest) (*GeneratedSection, error) {
	return f(ctx, req)
}

// countingSender records successful sends.
type countingSender struct {
	calls atomic.Int32
	err   error
	hook  func()
}

func (s *countingSender) Send(_ context.Context, _ notify.Message) error {
	if s.hook != nil {
		s.hook()
	}
	s.calls.Add(1)
	return s.err
}

const passEvaluation = `{"summary":"No safety concerns found.","severity":"none","action":"PASS","findings":[]}`

func passingEvaluator() Evaluator {
	return evaluatorFunc(func(_ context.Context, _ EvaluationRequest) (*Evaluation, error) {
		return &Evaluation{Raw: passEvaluation, Model: "claude-test", InputTokens: 900, OutputTokens: 40}, nil
	})
}

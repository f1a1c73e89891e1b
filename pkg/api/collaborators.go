package api

import (
	"context"
	"log/slog"
	"time"
)

// Notifier is told when a workflow instance reaches a terminal state.
// Delivery (email, push, chat) is implemented by the collaborator.
type Notifier interface {
	WorkflowFinished(ctx context.Context, inst *WorkflowInstance) error
}

// AuditRecord is a single entry for the external audit log.
type AuditRecord struct {
	At       time.Time
	Action   string
	Resource string
	Actor    string
	Detail   string
}

// Audit actions emitted by the components.
const (
	AuditLockAcquired  = "lock.acquired"
	AuditLockReleased  = "lock.released"
	AuditTaskExhausted = "task.exhausted"
)

// AuditSink receives audit records for lock grants and permanent task failures.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// AuthRequest describes an action awaiting authorization.
type AuthRequest struct {
	Principal    string
	Action       string
	DefinitionID string
}

// ActionStartWorkflow is the action checked before a workflow is started.
const ActionStartWorkflow = "workflow.start"

// Authorizer decides whether a principal may perform an action. Policy lives
// in the collaborator; the engine only honours the answer.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthRequest) (bool, error)
}

// NoopNotifier drops all notifications.
type NoopNotifier struct{}

func (NoopNotifier) WorkflowFinished(ctx context.Context, inst *WorkflowInstance) error { return nil }

// AllowAll authorizes every request.
type AllowAll struct{}

func (AllowAll) Authorize(ctx context.Context, req AuthRequest) (bool, error) { return true, nil }

// LogAudit writes audit records to a slog.Logger.
type LogAudit struct {
	Logger *slog.Logger
}

// NewLogAudit returns an AuditSink backed by logger, or slog.Default() if nil.
func NewLogAudit(logger *slog.Logger) *LogAudit {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAudit{Logger: logger}
}

func (a *LogAudit) Record(ctx context.Context, rec AuditRecord) error {
	a.Logger.InfoContext(ctx, "audit",
		slog.String("action", rec.Action),
		slog.String("resource", rec.Resource),
		slog.String("actor", rec.Actor),
		slog.String("detail", rec.Detail),
		slog.Time("at", rec.At),
	)
	return nil
}

type principalKey struct{}

// WithPrincipal attaches the calling principal to ctx.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext returns the principal attached with WithPrincipal.
func PrincipalFromContext(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

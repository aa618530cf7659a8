package types

import (
	"context"

	"github.com/google/uuid"
)

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID        contextKey = "trace_id"
	keyOrganizationID contextKey = "organization_id"
	keyProjectID      contextKey = "project_id"
	keyUserID         contextKey = "user_id"
	keyRoles          contextKey = "roles"
)

// Identity is the authenticated caller an ingestion request is attributed to.
type Identity struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	ProjectID      uuid.UUID `json:"project_id"`
	UserID         uuid.UUID `json:"user_id"`
}

// Valid reports whether organization and project are both set.
func (i Identity) Valid() bool {
	return i.OrganizationID != uuid.Nil && i.ProjectID != uuid.Nil
}

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithOrganizationID adds organization ID to context.
func WithOrganizationID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyOrganizationID, id)
}

// OrganizationID extracts organization ID from context.
func OrganizationID(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(keyOrganizationID).(uuid.UUID)
	return v, ok && v != uuid.Nil
}

// WithProjectID adds project ID to context.
func WithProjectID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyProjectID, id)
}

// ProjectID extracts project ID from context.
func ProjectID(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(keyProjectID).(uuid.UUID)
	return v, ok && v != uuid.Nil
}

// WithUserID adds user ID to context.
func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyUserID, id)
}

// UserID extracts user ID from context.
func UserID(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(keyUserID).(uuid.UUID)
	return v, ok && v != uuid.Nil
}

// WithRoles adds caller roles to context.
func WithRoles(ctx context.Context, roles []string) context.Context {
	return context.WithValue(ctx, keyRoles, roles)
}

// Roles extracts caller roles from context.
func Roles(ctx context.Context) ([]string, bool) {
	v, ok := ctx.Value(keyRoles).([]string)
	return v, ok && len(v) > 0
}

// WithIdentity stores all three identity components.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = WithOrganizationID(ctx, id.OrganizationID)
	ctx = WithProjectID(ctx, id.ProjectID)
	if id.UserID != uuid.Nil {
		ctx = WithUserID(ctx, id.UserID)
	}
	return ctx
}

// IdentityFrom assembles the identity from context. ok is false when
// organization or project is missing.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	var id Identity
	id.OrganizationID, _ = OrganizationID(ctx)
	id.ProjectID, _ = ProjectID(ctx)
	id.UserID, _ = UserID(ctx)
	return id, id.Valid()
}

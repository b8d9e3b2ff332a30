package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/pscheid92/consultq/internal/auth"
	"github.com/pscheid92/consultq/internal/domain"
	"github.com/pscheid92/consultq/internal/platform/config"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-that-is-32-bytes!!"

type mockAppService struct {
	checkInFn        func(ctx context.Context, caller domain.Caller, appointmentID uuid.UUID) (*domain.QueueEntry, error)
	startFn          func(ctx context.Context, caller domain.Caller, providerID, entryID uuid.UUID) (*domain.QueueEntry, error)
	endFn            func(ctx context.Context, caller domain.Caller, providerID, entryID uuid.UUID, next *uuid.UUID) (*domain.QueueEntry, error)
	cancelFn         func(ctx context.Context, caller domain.Caller, providerID, entryID uuid.UUID) (*domain.QueueEntry, error)
	viewFn           func(ctx context.Context, caller domain.Caller, providerID uuid.UUID) (*domain.EffectiveQueueView, error)
	patronStatusFn   func(ctx context.Context, caller domain.Caller, patronID uuid.UUID) (*domain.PatronStatus, error)
	bookFn           func(ctx context.Context, caller domain.Caller, req domain.BookingRequest) (*domain.Appointment, error)
	assignProviderFn func(ctx context.Context, caller domain.Caller, appointmentID, providerID uuid.UUID) (*domain.Appointment, error)
	announceFn       func(ctx context.Context, caller domain.Caller, message string, audience domain.Audience) error
}

var errNotImplemented = errors.New("not implemented")

func (m *mockAppService) CheckIn(ctx context.Context, caller domain.Caller, appointmentID uuid.UUID) (*domain.QueueEntry, error) {
	if m.checkInFn != nil {
		return m.checkInFn(ctx, caller, appointmentID)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) StartConsultation(ctx context.Context, caller domain.Caller, providerID, entryID uuid.UUID) (*domain.QueueEntry, error) {
	if m.startFn != nil {
		return m.startFn(ctx, caller, providerID, entryID)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) EndConsultation(ctx context.Context, caller domain.Caller, providerID, entryID uuid.UUID, next *uuid.UUID) (*domain.QueueEntry, error) {
	if m.endFn != nil {
		return m.endFn(ctx, caller, providerID, entryID, next)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) CancelEntry(ctx context.Context, caller domain.Caller, providerID, entryID uuid.UUID) (*domain.QueueEntry, error) {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, caller, providerID, entryID)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) GetEffectiveQueueView(ctx context.Context, caller domain.Caller, providerID uuid.UUID) (*domain.EffectiveQueueView, error) {
	if m.viewFn != nil {
		return m.viewFn(ctx, caller, providerID)
	}
	return &domain.EffectiveQueueView{ProviderID: providerID, Entries: []domain.ViewEntry{}}, nil
}

func (m *mockAppService) PatronStatus(ctx context.Context, caller domain.Caller, patronID uuid.UUID) (*domain.PatronStatus, error) {
	if m.patronStatusFn != nil {
		return m.patronStatusFn(ctx, caller, patronID)
	}
	return &domain.PatronStatus{PatronID: patronID, Entries: []domain.ViewEntry{}}, nil
}

func (m *mockAppService) Book(ctx context.Context, caller domain.Caller, req domain.BookingRequest) (*domain.Appointment, error) {
	if m.bookFn != nil {
		return m.bookFn(ctx, caller, req)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) AssignProvider(ctx context.Context, caller domain.Caller, appointmentID, providerID uuid.UUID) (*domain.Appointment, error) {
	if m.assignProviderFn != nil {
		return m.assignProviderFn(ctx, caller, appointmentID, providerID)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) Announce(ctx context.Context, caller domain.Caller, message string, audience domain.Audience) error {
	if m.announceFn != nil {
		return m.announceFn(ctx, caller, message, audience)
	}
	return errNotImplemented
}

// --- Test helpers ---

type testServer struct {
	*Server
	signer *auth.Signer
}

func newTestServer(t *testing.T, app appService, opts ...Option) *testServer {
	t.Helper()

	signer, err := auth.NewSigner(testSecret)
	require.NoError(t, err)

	cfg := &config.Config{Port: "0", APIRateLimit: 1000, APIRateBurst: 1000}
	return &testServer{Server: NewServer(cfg, app, signer, nil, opts...), signer: signer}
}

// do sends a request through the full middleware stack as caller.
func (ts *testServer) do(t *testing.T, caller *domain.Caller, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if caller != nil {
		req.Header.Set(headerCallerID, caller.ID.String())
		req.Header.Set(headerCallerRole, string(caller.Role))
		req.Header.Set("Authorization", "Bearer "+ts.signer.Sign(caller.ID, caller.Role))
	}

	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	return rec
}

func newCaller(role domain.Role) *domain.Caller {
	return &domain.Caller{ID: uuid.New(), Role: role}
}

var _ http.Handler = (*Server)(nil)

package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/mtlprog/caseflow/internal/broker"
	"github.com/mtlprog/caseflow/internal/consumer"
	"github.com/mtlprog/caseflow/internal/events"
	"github.com/mtlprog/caseflow/internal/handler"
	"github.com/mtlprog/caseflow/internal/handler/dto"
	"github.com/mtlprog/caseflow/internal/memstore"
	"github.com/mtlprog/caseflow/internal/middleware"
	"github.com/mtlprog/caseflow/internal/outbox"
	"github.com/mtlprog/caseflow/internal/service"
	"github.com/mtlprog/caseflow/internal/tracing"
)

const (
	applicantID = "00000000-0000-0000-0000-000000000011"
	officerID   = "00000000-0000-0000-0000-000000000021"
	officer2ID  = "00000000-0000-0000-0000-000000000022"
	adminID     = "00000000-0000-0000-0000-000000000099"
)

type caller struct {
	id   string
	role string
}

var (
	applicant = caller{id: applicantID, role: middleware.RoleUser}
	officer   = caller{id: officerID, role: middleware.RoleOfficer}
	officer2  = caller{id: officer2ID, role: middleware.RoleOfficer}
	admin     = caller{id: adminID, role: middleware.RoleAdmin}
	anonymous = caller{}
)

type HandlerTestSuite struct {
	suite.Suite
	db     *memstore.DB
	broker *broker.MemoryBroker
	cases  http.Handler
	audit  http.Handler
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

func (s *HandlerTestSuite) SetupTest() {
	s.db = memstore.New(nil)
	s.broker = broker.NewMemoryBroker(nil)
	s.Require().NoError(events.DeclareTopology(context.Background(), s.broker, events.ConsumerAudit, events.ConsumerNotification))

	svc := service.NewCaseService(s.db, outbox.NewPublisher(s.db, s.broker, nil), nil)

	caseMux := http.NewServeMux()
	handler.New(s.db, svc).RegisterRoutes(caseMux)
	s.cases = middleware.Trace(caseMux)

	auditMux := http.NewServeMux()
	handler.NewAuditHandler(s.db, nil).RegisterRoutes(auditMux)
	s.audit = middleware.Trace(auditMux)
}

func (s *HandlerTestSuite) do(h http.Handler, method, path string, who caller, body any, traceID string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if who.id != "" {
		req.Header.Set(middleware.HeaderActorID, who.id)
		req.Header.Set(middleware.HeaderActorRole, who.role)
	}
	if traceID != "" {
		req.Header.Set(tracing.HeaderName, traceID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](s *HandlerTestSuite, rec *httptest.ResponseRecorder) T {
	var v T
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *HandlerTestSuite) createCase(number string) dto.CaseResponse {
	rec := s.do(s.cases, http.MethodPost, "/api/v1/cases", applicant, dto.CreateCaseRequest{CaseNumber: number}, "")
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	return decode[dto.CaseResponse](s, rec)
}

func (s *HandlerTestSuite) createAssignedCase(number string) dto.CaseResponse {
	c := s.createCase(number)
	rec := s.do(s.cases, http.MethodPost, "/api/v1/cases/"+c.ID+"/assign", officer, nil, "")
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	return decode[dto.CaseResponse](s, rec)
}

func (s *HandlerTestSuite) errorCode(rec *httptest.ResponseRecorder) string {
	return decode[dto.ErrorResponse](s, rec).Error.Code
}

func (s *HandlerTestSuite) TestCreateCase() {
	trace := tracing.NewID()
	rec := s.do(s.cases, http.MethodPost, "/api/v1/cases", applicant, dto.CreateCaseRequest{CaseNumber: "CASE-1"}, trace)

	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	s.Equal(trace, rec.Header().Get(tracing.HeaderName))

	c := decode[dto.CaseResponse](s, rec)
	s.Equal("SUBMITTED", c.Status)
	s.Equal(applicantID, c.ApplicantID)
	s.Equal([]string{"IN_REVIEW"}, c.AllowedTransitions)

	published := s.broker.Published()
	s.Require().Len(published, 1)
	s.Equal(events.RoutingKeyCaseCreated, published[0].RoutingKey)
	s.Equal(trace, published[0].Header(tracing.HeaderName))
}

func (s *HandlerTestSuite) TestCreateCase_Draft() {
	rec := s.do(s.cases, http.MethodPost, "/api/v1/cases", applicant, dto.CreateCaseRequest{CaseNumber: "CASE-1", Draft: true}, "")
	s.Require().Equal(http.StatusCreated, rec.Code)
	s.Equal("DRAFT", decode[dto.CaseResponse](s, rec).Status)
}

func (s *HandlerTestSuite) TestCreateCase_Errors() {
	s.createCase("CASE-1")

	tests := []struct {
		name   string
		who    caller
		body   any
		status int
		code   string
	}{
		{"missing actor", anonymous, dto.CreateCaseRequest{CaseNumber: "CASE-2"}, http.StatusUnauthorized, ""},
		{"invalid json", applicant, "{", http.StatusBadRequest, "INVALID_JSON"},
		{"missing case number", applicant, dto.CreateCaseRequest{}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"duplicate number", applicant, dto.CreateCaseRequest{CaseNumber: "CASE-1"}, http.StatusConflict, "CASE_ALREADY_EXISTS"},
		{"user filing for someone else", applicant, dto.CreateCaseRequest{CaseNumber: "CASE-3", ApplicantID: officer2ID}, http.StatusForbidden, "INSUFFICIENT_ACCESS"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			rec := s.do(s.cases, http.MethodPost, "/api/v1/cases", tt.who, tt.body, "")
			s.Equal(tt.status, rec.Code, rec.Body.String())
			if tt.code != "" {
				s.Equal(tt.code, s.errorCode(rec))
			}
		})
	}
}

func (s *HandlerTestSuite) TestCreateCase_OfficerOnBehalfOfApplicant() {
	rec := s.do(s.cases, http.MethodPost, "/api/v1/cases", officer, dto.CreateCaseRequest{CaseNumber: "CASE-9", ApplicantID: applicantID}, "")
	s.Require().Equal(http.StatusCreated, rec.Code)
	c := decode[dto.CaseResponse](s, rec)
	s.Equal(applicantID, c.ApplicantID)
	s.Equal(officerID, c.CreatedBy)
}

func (s *HandlerTestSuite) TestGetCase() {
	c := s.createCase("CASE-1")

	rec := s.do(s.cases, http.MethodGet, "/api/v1/cases/"+c.ID, applicant, nil, "")
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(c.ID, decode[dto.CaseResponse](s, rec).ID)

	rec = s.do(s.cases, http.MethodGet, "/api/v1/cases/not-a-uuid", applicant, nil, "")
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(s.cases, http.MethodGet, "/api/v1/cases/"+tracing.NewID(), applicant, nil, "")
	s.Equal(http.StatusNotFound, rec.Code)
	s.Equal("CASE_NOT_FOUND", s.errorCode(rec))
}

func (s *HandlerTestSuite) TestAssignToMe() {
	c := s.createCase("CASE-1")
	path := "/api/v1/cases/" + c.ID + "/assign"

	rec := s.do(s.cases, http.MethodPost, path, applicant, nil, "")
	s.Equal(http.StatusForbidden, rec.Code, "plain users cannot take cases")

	rec = s.do(s.cases, http.MethodPost, path, officer, nil, "")
	s.Require().Equal(http.StatusOK, rec.Code)
	assigned := decode[dto.CaseResponse](s, rec)
	s.Require().NotNil(assigned.AssignedOfficerID)
	s.Equal(officerID, *assigned.AssignedOfficerID)

	rec = s.do(s.cases, http.MethodPost, path, officer2, nil, "")
	s.Equal(http.StatusConflict, rec.Code)
	s.Equal("CASE_ALREADY_ASSIGNED", s.errorCode(rec))
}

func (s *HandlerTestSuite) TestTransitionStatus() {
	c := s.createAssignedCase("CASE-1")
	trace := tracing.NewID()

	rec := s.do(s.cases, http.MethodPatch, "/api/v1/cases/"+c.ID+"/status", officer, dto.TransitionStatusRequest{Status: "IN_REVIEW"}, trace)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[dto.StatusTransitionResponse](s, rec)
	s.Equal("SUBMITTED", resp.OldStatus)
	s.Equal("IN_REVIEW", resp.NewStatus)
	s.Equal(officerID, resp.ChangedBy)
	s.Equal(trace, resp.CorrelationID)

	rec = s.do(s.cases, http.MethodGet, "/api/v1/cases/"+c.ID+"/history", applicant, nil, "")
	s.Require().Equal(http.StatusOK, rec.Code)
	history := decode[dto.HistoryResponse](s, rec)
	s.Require().Len(history.Entries, 1)
	s.Equal(trace, history.Entries[0].CorrelationID)
}

func (s *HandlerTestSuite) TestTransitionStatus_Errors() {
	c := s.createAssignedCase("CASE-1")
	path := "/api/v1/cases/" + c.ID + "/status"

	rec := s.do(s.cases, http.MethodPatch, path, officer, dto.TransitionStatusRequest{Status: "APPROVED"}, "")
	s.Equal(http.StatusConflict, rec.Code)
	body := decode[dto.ErrorResponse](s, rec)
	s.Equal("INVALID_TRANSITION", body.Error.Code)
	s.Equal([]string{"IN_REVIEW"}, body.Error.AllowedTransitions)

	rec = s.do(s.cases, http.MethodPatch, path, officer2, dto.TransitionStatusRequest{Status: "IN_REVIEW"}, "")
	s.Equal(http.StatusForbidden, rec.Code, "an officer not assigned to the case")

	rec = s.do(s.cases, http.MethodPatch, path, officer, dto.TransitionStatusRequest{Status: "ARCHIVED"}, "")
	s.Equal(http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(s.cases, http.MethodPatch, path, officer, dto.TransitionStatusRequest{}, "")
	s.Equal(http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(s.cases, http.MethodPatch, path, admin, dto.TransitionStatusRequest{Status: "IN_REVIEW"}, "")
	s.Equal(http.StatusOK, rec.Code, "admins may move any case")
}

func (s *HandlerTestSuite) TestStatusChangeReachesAuditTrail() {
	c := s.createAssignedCase("CASE-1")
	trace := tracing.NewID()
	rec := s.do(s.cases, http.MethodPatch, "/api/v1/cases/"+c.ID+"/status", officer, dto.TransitionStatusRequest{Status: "IN_REVIEW"}, trace)
	s.Require().Equal(http.StatusOK, rec.Code)

	auditConsumer := consumer.NewAuditConsumer(s.db, consumer.Config{HandlerDelay: time.Millisecond}, nil)
	for _, q := range events.Queues(events.ConsumerAudit) {
		sub, err := s.broker.Subscribe(context.Background(), q, broker.SubscribeOptions{Block: time.Millisecond})
		s.Require().NoError(err)
		deliveries, err := sub.Fetch(context.Background())
		s.Require().NoError(err)
		for _, d := range deliveries {
			s.Equal(consumer.OutcomeProcessed, auditConsumer.Handle(context.Background(), sub, d))
		}
	}

	rec = s.do(s.audit, http.MethodGet, "/api/v1/audit/traces/"+trace, officer, nil, "")
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	byTrace := decode[dto.AuditListResponse](s, rec)
	s.Require().Len(byTrace.Records, 1)
	s.Equal("CASE_STATUS_CHANGED", byTrace.Records[0].EventType)
	s.Equal("LOW", byTrace.Records[0].Severity)

	rec = s.do(s.audit, http.MethodGet, "/api/v1/audit/cases/"+c.ID, admin, nil, "")
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Len(decode[dto.AuditListResponse](s, rec).Records, 3, "created, assigned, and status changed")

	rec = s.do(s.audit, http.MethodGet, "/api/v1/audit/stats", admin, nil, "")
	s.Require().Equal(http.StatusOK, rec.Code)
	stats := decode[dto.AuditStatsResponse](s, rec)
	s.Equal(3, stats.Total)
	s.Equal(1, stats.ByType["CASE_STATUS_CHANGED"])

	rec = s.do(s.audit, http.MethodGet, "/api/v1/audit/actors/"+officerID+"?severity=low", admin, nil, "")
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	byActor := decode[dto.AuditListResponse](s, rec)
	s.Require().NotEmpty(byActor.Records)
	for _, r := range byActor.Records {
		s.Equal(officerID, r.ActorID)
		s.Equal("LOW", r.Severity)
	}

	rec = s.do(s.audit, http.MethodGet, "/api/v1/audit/actors/"+officerID+"?severity=urgent", admin, nil, "")
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(s.audit, http.MethodGet, "/api/v1/audit/cases/"+c.ID, applicant, nil, "")
	s.Equal(http.StatusForbidden, rec.Code, "applicants cannot read the audit trail")
}

func (s *HandlerTestSuite) TestAuditStats_InvalidPeriod() {
	rec := s.do(s.audit, http.MethodGet, "/api/v1/audit/stats?from=yesterday", admin, nil, "")
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(s.audit, http.MethodGet, "/api/v1/audit/stats?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z", admin, nil, "")
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *HandlerTestSuite) TestHealthz() {
	rec := s.do(s.cases, http.MethodGet, "/healthz", anonymous, nil, "")
	s.Equal(http.StatusOK, rec.Code)

	s.db.FailNext("db.Ping", errors.New("connection refused"), 1)
	rec = s.do(s.audit, http.MethodGet, "/healthz", anonymous, nil, "")
	s.Equal(http.StatusServiceUnavailable, rec.Code)
}

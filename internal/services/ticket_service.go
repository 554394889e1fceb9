package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"qrauth/config"
	"qrauth/internal/actions"
	"qrauth/internal/status"
	"qrauth/internal/store"
	"qrauth/models"
	"qrauth/security"
	"qrauth/utils"
)

// DeliveryTransport selects how the waiting browser will receive the
// approval result.
type DeliveryTransport string

const (
	TransportPush DeliveryTransport = "push" // grant token, realtime push
	TransportPoll DeliveryTransport = "poll" // delivery code, session bound
)

// StatusListener receives every persisted ticket status change.
// Listener failures are logged and swallowed; they never unwind the
// transition that triggered them.
type StatusListener interface {
	NotifyStatusChange(ctx context.Context, event *models.StatusEvent)
}

// RealtimeBroadcaster pushes a status change to the ticket's room.
type RealtimeBroadcaster interface {
	BroadcastStatus(ctx context.Context, ticketID string, ticketStatus models.TicketStatus, version int64, message string) int
}

// DeliveryIssuer creates the poll-model one-time code for an approved
// ticket. Implemented by the polling service, which owns delivery
// records.
type DeliveryIssuer interface {
	IssueDeliveryCode(ctx context.Context, ticket *models.Ticket) (*models.DeliveryCode, error)
}

// AuditRecorder persists a transition trail entry. Best effort.
type AuditRecorder interface {
	RecordTransition(ctx context.Context, ticket *models.Ticket, from models.TicketStatus, actor string)
}

// TicketService owns the ticket state machine. It is the only writer of
// ticket records; every transition is a read-validate-swap against the
// store's version-conditional write, so concurrent callers race on a
// single atomic operation and exactly one wins.
type TicketService struct {
	Store    *store.Store
	Registry *actions.Registry
	Config   *config.Config

	listeners   []StatusListener
	broadcaster RealtimeBroadcaster
	issuer      DeliveryIssuer
	audit       AuditRecorder
}

func NewTicketService(st *store.Store, registry *actions.Registry, cfg *config.Config) *TicketService {
	return &TicketService{
		Store:    st,
		Registry: registry,
		Config:   cfg,
	}
}

func (s *TicketService) AddListener(listener StatusListener) {
	s.listeners = append(s.listeners, listener)
}

func (s *TicketService) SetBroadcaster(broadcaster RealtimeBroadcaster) { s.broadcaster = broadcaster }
func (s *TicketService) SetDeliveryIssuer(issuer DeliveryIssuer)        { s.issuer = issuer }
func (s *TicketService) SetAuditRecorder(recorder AuditRecorder)        { s.audit = recorder }

// CreateResult is everything the entry point needs to render a QR code
// or deep link. The verifier is returned once and never persisted
// server side; the caller hands it to the approving device out of band.
type CreateResult struct {
	TicketID      string              `json:"ticket_id"`
	CodeChallenge string              `json:"code_challenge"`
	CodeVerifier  string              `json:"code_verifier"`
	Status        models.TicketStatus `json:"status"`
	ExpiresAt     time.Time           `json:"expires_at"`
	DeepLink      string              `json:"deep_link"`
	FallbackURL   string              `json:"fallback_url"`
	QRBase64      string              `json:"qr_base64"`
}

func (s *TicketService) Create(ctx context.Context, actionType models.ActionType, payload map[string]any, webSessionID string) (*CreateResult, error) {
	if !actionType.Valid() {
		return nil, fmt.Errorf("unknown action type %q", actionType)
	}

	ticketID, err := utils.GenerateToken(16)
	if err != nil {
		return nil, fmt.Errorf("generate ticket id: %w", err)
	}

	verifier, err := security.GenerateVerifier()
	if err != nil {
		return nil, fmt.Errorf("generate verifier: %w", err)
	}
	challenge := security.Challenge(verifier)

	now := time.Now()
	ticket := &models.Ticket{
		ID:            ticketID,
		ActionType:    actionType,
		Status:        models.StatusPending,
		CodeChallenge: challenge,
		Payload:       payload,
		WebSessionID:  webSessionID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.Config.TicketTTL),
		Version:       1,
	}

	// The key outlives the deadline by the retention window so a read
	// shortly after expiry can still observe the EXPIRED coercion.
	if err := s.Store.PutTicketNX(ctx, ticket, s.Config.TicketTTL+s.Config.ExpiredRetention); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("tid", ticketID)
	query.Set("challenge", challenge)
	deepLink := fmt.Sprintf("%s://approve?%s", s.Config.AppScheme, query.Encode())
	fallback := fmt.Sprintf("%s?%s", s.Config.FallbackBase, query.Encode())

	qrBase64, err := utils.EncodeQRBase64(deepLink, 256)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}

	return &CreateResult{
		TicketID:      ticketID,
		CodeChallenge: challenge,
		CodeVerifier:  verifier,
		Status:        ticket.Status,
		ExpiresAt:     ticket.ExpiresAt,
		DeepLink:      deepLink,
		FallbackURL:   fallback,
		QRBase64:      qrBase64,
	}, nil
}

// Get reads a ticket, lazily coercing it to EXPIRED when its deadline
// passed in a non-terminal status. The coercion is persisted (version
// bump) before the ticket is returned.
func (s *TicketService) Get(ctx context.Context, ticketID string) (*models.Ticket, error) {
	ticket, err := s.Store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	if !ticket.Status.Terminal() && ticket.DeadlinePassed(time.Now()) {
		from := ticket.Status
		readVersion := ticket.Version
		ticket.Status = models.StatusExpired
		ticket.Version++

		if err := s.Store.SwapTicket(ctx, ticket, readVersion); err != nil {
			if errors.Is(err, status.ErrVersionConflict) {
				// Someone else moved it first; trust their write.
				return s.Store.GetTicket(ctx, ticketID)
			}
			return nil, err
		}
		s.notify(ctx, ticket, from, "")
	}

	return ticket, nil
}

func (s *TicketService) Scan(ctx context.Context, ticketID, userID string) (*models.Ticket, error) {
	ticket, err := s.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	if ticket.Status == models.StatusExpired {
		return nil, status.ErrTicketExpired
	}
	if ticket.Status != models.StatusPending {
		return nil, status.ErrInvalidTransition
	}

	now := time.Now()
	from := ticket.Status
	readVersion := ticket.Version
	ticket.Status = models.StatusScanned
	ticket.ScannedBy = userID
	ticket.ScannedAt = &now
	ticket.Version++

	if err := s.Store.SwapTicket(ctx, ticket, readVersion); err != nil {
		if errors.Is(err, status.ErrVersionConflict) {
			return nil, status.ErrInvalidTransition
		}
		return nil, err
	}

	s.notify(ctx, ticket, from, "")
	return ticket, nil
}

// ApprovalHandle reports how the approval result will reach the
// waiting browser. Exactly one of GrantToken or DeliveryCode is set.
type ApprovalHandle struct {
	Transport    DeliveryTransport `json:"transport"`
	GrantToken   string            `json:"grant_token,omitempty"`
	DeliveryCode string            `json:"delivery_code,omitempty"`
}

// Approve verifies the PKCE proof, transitions the ticket to APPROVED,
// runs the registered action handler, and only then issues the one-time
// grant or delivery code. A handler failure rolls the ticket back to
// PENDING so the same approve call can be retried.
func (s *TicketService) Approve(ctx context.Context, ticketID, userID, codeVerifier string, transport DeliveryTransport) (*ApprovalHandle, error) {
	ticket, err := s.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	if ticket.Status == models.StatusExpired {
		return nil, status.ErrTicketExpired
	}
	if ticket.Status != models.StatusPending && ticket.Status != models.StatusScanned {
		return nil, status.ErrInvalidTransition
	}

	// A failed proof is a client error and must not advance state.
	if !security.VerifyChallenge(codeVerifier, ticket.CodeChallenge) {
		return nil, status.ErrInvalidVerifier
	}

	now := time.Now()
	from := ticket.Status
	readVersion := ticket.Version
	ticket.Status = models.StatusApproved
	ticket.ApprovedBy = userID
	ticket.ApprovedAt = &now
	ticket.Version++

	if err := s.Store.SwapTicket(ctx, ticket, readVersion); err != nil {
		if errors.Is(err, status.ErrVersionConflict) {
			// A concurrent approve or reject won the swap.
			return nil, status.ErrInvalidTransition
		}
		return nil, err
	}

	actionCtx := &actions.Context{
		TicketID:     ticket.ID,
		UserID:       userID,
		Payload:      ticket.Payload,
		WebSessionID: ticket.WebSessionID,
		ApprovedAt:   now,
	}

	if err := s.Registry.Run(ctx, ticket.ActionType, actionCtx); err != nil {
		s.rollbackApproval(ctx, ticket.ID)
		return nil, fmt.Errorf("%w: %v", status.ErrActionFailed, err)
	}

	handle, err := s.issueHandle(ctx, ticket, userID, transport)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, ticket, from, handle.GrantToken)
	return handle, nil
}

func (s *TicketService) issueHandle(ctx context.Context, ticket *models.Ticket, userID string, transport DeliveryTransport) (*ApprovalHandle, error) {
	switch transport {
	case TransportPoll:
		if s.issuer == nil {
			return nil, errors.New("no delivery issuer configured")
		}
		delivery, err := s.issuer.IssueDeliveryCode(ctx, ticket)
		if err != nil {
			return nil, fmt.Errorf("issue delivery code: %w", err)
		}
		return &ApprovalHandle{Transport: TransportPoll, DeliveryCode: delivery.Code}, nil

	default:
		token, err := utils.GenerateToken(24)
		if err != nil {
			return nil, fmt.Errorf("generate grant token: %w", err)
		}

		now := time.Now()
		grant := &models.Grant{
			Token:        token,
			TicketID:     ticket.ID,
			ActionType:   ticket.ActionType,
			WebSessionID: ticket.WebSessionID,
			UserID:       userID,
			CreatedAt:    now,
			ExpiresAt:    now.Add(s.Config.GrantTTL),
		}

		if err := s.Store.PutGrant(ctx, grant, s.Config.GrantTTL); err != nil {
			return nil, err
		}
		return &ApprovalHandle{Transport: TransportPush, GrantToken: token}, nil
	}
}

// rollbackApproval reverts APPROVED back to PENDING after an action
// handler failure, so the caller can retry. Best effort: a conflicting
// concurrent write wins and is logged.
func (s *TicketService) rollbackApproval(ctx context.Context, ticketID string) {
	ticket, err := s.Store.GetTicket(ctx, ticketID)
	if err != nil {
		slog.Error("rollback read failed", "ticket", ticketID, "error", err)
		return
	}
	if ticket.Status != models.StatusApproved {
		return
	}

	from := ticket.Status
	readVersion := ticket.Version
	ticket.Status = models.StatusPending
	ticket.ApprovedBy = ""
	ticket.ApprovedAt = nil
	ticket.Version++

	if err := s.Store.SwapTicket(ctx, ticket, readVersion); err != nil {
		slog.Error("rollback write failed", "ticket", ticketID, "error", err)
		return
	}

	s.notify(ctx, ticket, from, "")
}

func (s *TicketService) Reject(ctx context.Context, ticketID, userID string) (*models.Ticket, error) {
	ticket, err := s.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	if ticket.Status == models.StatusExpired {
		return nil, status.ErrTicketExpired
	}
	if ticket.Status != models.StatusPending && ticket.Status != models.StatusScanned {
		return nil, status.ErrInvalidTransition
	}

	from := ticket.Status
	readVersion := ticket.Version
	ticket.Status = models.StatusRejected
	ticket.Version++

	if err := s.Store.SwapTicket(ctx, ticket, readVersion); err != nil {
		if errors.Is(err, status.ErrVersionConflict) {
			return nil, status.ErrInvalidTransition
		}
		return nil, err
	}

	s.notify(ctx, ticket, from, "")
	return ticket, nil
}

// ExchangeGrant consumes a grant token exactly once, marks the ticket
// USED and returns the grant payload. The consume is a single atomic
// fetch-and-delete, so a repeat exchange always fails.
func (s *TicketService) ExchangeGrant(ctx context.Context, token string) (*models.Grant, error) {
	grant, err := s.Store.ConsumeGrant(ctx, token)
	if err != nil {
		return nil, err
	}
	if grant.Expired(time.Now()) {
		// Key TTL should have evicted it already; treat a straggler the
		// same as absent.
		return nil, status.ErrGrantNotFound
	}

	s.MarkUsed(ctx, grant.TicketID)
	return grant, nil
}

// MarkUsed moves an APPROVED ticket to USED after its one-time secret
// was consumed. Also called by the polling service on delivery-code
// consumption. Best effort: the secret is already burned either way.
func (s *TicketService) MarkUsed(ctx context.Context, ticketID string) {
	ticket, err := s.Store.GetTicket(ctx, ticketID)
	if err != nil {
		slog.Warn("mark used: ticket gone", "ticket", ticketID, "error", err)
		return
	}
	if ticket.Status != models.StatusApproved {
		slog.Warn("mark used: unexpected status", "ticket", ticketID, "status", ticket.Status)
		return
	}

	from := ticket.Status
	readVersion := ticket.Version
	ticket.Status = models.StatusUsed
	ticket.Version++

	if err := s.Store.SwapTicket(ctx, ticket, readVersion); err != nil {
		slog.Warn("mark used: swap failed", "ticket", ticketID, "error", err)
		return
	}

	s.notify(ctx, ticket, from, "")
}

// notify fans the transition out to the polling pub/sub channel, the
// realtime gateway and the audit trail. All best effort.
func (s *TicketService) notify(ctx context.Context, ticket *models.Ticket, from models.TicketStatus, message string) {
	event := &models.StatusEvent{
		TicketID:  ticket.ID,
		Status:    ticket.Status,
		Version:   ticket.Version,
		Timestamp: time.Now().Unix(),
	}

	for _, listener := range s.listeners {
		listener.NotifyStatusChange(ctx, event)
	}

	if s.broadcaster != nil {
		s.broadcaster.BroadcastStatus(ctx, ticket.ID, ticket.Status, ticket.Version, message)
	}

	if s.audit != nil {
		actor := ticket.ApprovedBy
		if actor == "" {
			actor = ticket.ScannedBy
		}
		s.audit.RecordTransition(ctx, ticket, from, actor)
	}
}

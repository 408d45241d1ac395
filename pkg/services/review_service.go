package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sessionworks/maestro/pkg/database"
)

// ReviewService persists completion review outcomes. The reviewer package
// produces them; this service only records and reads.
type ReviewService struct {
	client *database.Client
}

// NewReviewService creates a new ReviewService.
func NewReviewService(client *database.Client) *ReviewService {
	if client == nil {
		panic("NewReviewService: client must not be nil")
	}
	return &ReviewService{client: client}
}

// Record stores a review result, filling in ID and CreatedAt.
func (s *ReviewService) Record(ctx context.Context, result *database.ReviewResult) (*database.ReviewResult, error) {
	if result.SessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	if result.TicketID == "" {
		return nil, NewValidationError("ticket_id", "required")
	}
	if result.Decision == "" {
		return nil, NewValidationError("decision", "required")
	}

	result.ID = uuid.New().String()
	result.CreatedAt = time.Now()

	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Gorm().WithContext(writeCtx).Create(result).Error; err != nil {
		return nil, fmt.Errorf("failed to record review result: %w", err)
	}
	return result, nil
}

// LatestForTicket returns the most recent review for a ticket, or ErrNotFound.
func (s *ReviewService) LatestForTicket(ctx context.Context, ticketID string) (*database.ReviewResult, error) {
	var result database.ReviewResult
	err := s.client.Gorm().WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at DESC").
		First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("no reviews for ticket %s: %w", ticketID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest review: %w", err)
	}
	return &result, nil
}

// ListForTicket returns all reviews for a ticket, newest first.
func (s *ReviewService) ListForTicket(ctx context.Context, ticketID string) ([]*database.ReviewResult, error) {
	var results []*database.ReviewResult
	err := s.client.Gorm().WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at DESC").
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	return results, nil
}

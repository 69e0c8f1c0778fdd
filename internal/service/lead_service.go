package service

import (
	"context"
	"fmt"

	"github.com/tazhate/ffdash/internal/domain"
	"github.com/tazhate/ffdash/internal/storage"
)

// LeadService is the read side of the lead CRUD screens the reminder
// subsystem relies on for display names.
type LeadService struct {
	storage *storage.Storage
}

func NewLeadService(s *storage.Storage) *LeadService {
	return &LeadService{storage: s}
}

// Get returns a lead by ID
func (s *LeadService) Get(id int64) (*domain.Lead, error) {
	lead, err := s.storage.GetLead(id)
	if err != nil {
		return nil, fmt.Errorf("get lead: %w", err)
	}
	if lead == nil {
		return nil, domain.ErrNotFound
	}
	return lead, nil
}

// LookupLead satisfies delivery.LeadLookup.
func (s *LeadService) LookupLead(_ context.Context, id int64) (*domain.Lead, error) {
	return s.Get(id)
}

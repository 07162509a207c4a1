// Package contactstore declares the interface the scheduler core consumes
// to resolve a recipient key to a send address and optional display name.
// Contact/label/template CRUD is out of scope (spec §1); this is the
// narrow seam a concrete contacts subsystem implements.
package contactstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Contact is the subset of contact data the core needs: an address to
// send to, a display name for templating, and the birthday fields
// SyncBirthdayReminder consumes.
type Contact struct {
	ID                      string
	Phone                   string
	Name                    string
	BirthdayMMDD            string // "" if unset, else "MM-DD"
	BirthdayReminderEnabled bool
}

// ContactStore resolves recipient keys to addressable contacts and
// auto-creates unknown phones on demand, per spec §1/§4.8.
type ContactStore interface {
	// FindByID looks up a contact by its opaque id. Returns (nil, nil)
	// if not found.
	FindByID(ctx context.Context, id string) (*Contact, error)
	// FindByPhone looks up a contact by phone. Returns (nil, nil) if not
	// found.
	FindByPhone(ctx context.Context, phone string) (*Contact, error)
	// GetOrCreateByPhone resolves phone to a contact, creating one with
	// name (if non-empty) when it doesn't already exist. If the contact
	// exists but has no name and name is non-empty, the name is filled in.
	GetOrCreateByPhone(ctx context.Context, phone, name string) (*Contact, error)
}

// Address formats a contact or group reference as the provider-specific
// address string (see the glossary's Address entry).
func Address(phoneOrGroupDigits string, isGroup bool) string {
	if isGroup {
		return phoneOrGroupDigits + "@g.us"
	}
	return phoneOrGroupDigits + "@s.whatsapp.net"
}

// InMemory is a process-lifetime ContactStore: it auto-creates contacts
// by phone and never persists them. Contact/label CRUD is out of scope
// for this core (spec §1), so cmd/server wires this in rather than a
// real contacts subsystem; an operator embedding this core in a larger
// system would replace it with a database-backed implementation.
type InMemory struct {
	mu      sync.Mutex
	byID    map[string]*Contact
	byPhone map[string]*Contact
}

// NewInMemory constructs an empty InMemory contact store.
func NewInMemory() *InMemory {
	return &InMemory{byID: map[string]*Contact{}, byPhone: map[string]*Contact{}}
}

func (s *InMemory) FindByID(_ context.Context, id string) (*Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id], nil
}

func (s *InMemory) FindByPhone(_ context.Context, phone string) (*Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byPhone[phone], nil
}

func (s *InMemory) GetOrCreateByPhone(_ context.Context, phone, name string) (*Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byPhone[phone]; ok {
		if c.Name == "" && name != "" {
			c.Name = name
		}
		return c, nil
	}
	c := &Contact{ID: uuid.NewString(), Phone: phone, Name: name}
	s.byPhone[phone] = c
	s.byID[c.ID] = c
	return c, nil
}

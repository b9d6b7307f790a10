package user

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/walters954/OpenBookLM/internal/app"
	"github.com/walters954/OpenBookLM/internal/auth"
	"github.com/walters954/OpenBookLM/internal/credit"
	"github.com/walters954/OpenBookLM/internal/domain"
	"github.com/walters954/OpenBookLM/internal/util"
)

var (
	// ErrInvalidCredentials reports a failed email/password login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailTaken reports a registration against an existing email.
	ErrEmailTaken = errors.New("email already registered")
)

// Store is the slice of the durable store the user service needs.
type Store interface {
	SaveUser(domain.User) error
	GetUserByID(id string) (domain.User, bool, error)
	GetUserByExternalID(externalID string) (domain.User, bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
}

// Service manages account lifecycle: guest synthesis, registration, login,
// and external-identity mapping.
type Service struct {
	store   Store
	credits *credit.Manager
	logger  *slog.Logger
}

// NewService builds a user service.
func NewService(store Store, credits *credit.Manager, logger *slog.Logger) *Service {
	return &Service{store: store, credits: credits, logger: logger}
}

// GetOrCreateByExternalID maps an external auth identity to a local account,
// creating one on first sight. Exactly one account exists per external
// identity.
func (s *Service) GetOrCreateByExternalID(externalID, email, name string) (domain.User, error) {
	if u, ok, err := s.store.GetUserByExternalID(externalID); err != nil {
		return domain.User{}, app.StoreUnavailable(err)
	} else if ok {
		return u, nil
	}
	u := domain.User{
		ID:         util.NewID(),
		ExternalID: externalID,
		Email:      strings.ToLower(strings.TrimSpace(email)),
		Name:       name,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.SaveUser(u); err != nil {
		return domain.User{}, app.StoreUnavailable(err)
	}
	if err := s.credits.Grant(u.ID, credit.GuestInitialCredits, "signup grant"); err != nil {
		return domain.User{}, err
	}
	s.logger.Info("user created from external identity", "user", u.ID)
	return s.refresh(u)
}

// CreateGuest synthesizes a guest account with a generated identity and the
// one-time starting credit grant.
func (s *Service) CreateGuest() (domain.User, error) {
	u := domain.User{
		ID:        util.NewID(),
		Email:     "guest-" + uuid.NewString() + "@guest.local",
		Name:      "Guest",
		IsGuest:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveUser(u); err != nil {
		return domain.User{}, app.StoreUnavailable(err)
	}
	if err := s.credits.InitializeGuestCredits(u.ID); err != nil {
		return domain.User{}, err
	}
	s.logger.Info("guest user created", "user", u.ID)
	return s.refresh(u)
}

// Register creates a password-based account.
func (s *Service) Register(email, name, password string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, err
	}
	if _, ok, err := s.store.GetUserByEmail(email); err != nil {
		return domain.User{}, app.StoreUnavailable(err)
	} else if ok {
		return domain.User{}, ErrEmailTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, err
	}
	u := domain.User{
		ID:           util.NewID(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.SaveUser(u); err != nil {
		return domain.User{}, app.StoreUnavailable(err)
	}
	if err := s.credits.Grant(u.ID, credit.GuestInitialCredits, "signup grant"); err != nil {
		return domain.User{}, err
	}
	s.logger.Info("user registered", "user", u.ID)
	return s.refresh(u)
}

// Authenticate checks an email/password pair.
func (s *Service) Authenticate(email, password string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, ok, err := s.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, app.StoreUnavailable(err)
	}
	if !ok || u.PasswordHash == "" || !auth.CheckPassword(password, u.PasswordHash) {
		return domain.User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Get returns a user by ID.
func (s *Service) Get(id string) (domain.User, bool, error) {
	return s.store.GetUserByID(id)
}

func (s *Service) refresh(u domain.User) (domain.User, error) {
	fresh, ok, err := s.store.GetUserByID(u.ID)
	if err != nil {
		return domain.User{}, app.StoreUnavailable(err)
	}
	if !ok {
		return u, nil
	}
	return fresh, nil
}

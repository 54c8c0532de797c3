package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"goldpos/backend/internal/domain"
	"goldpos/backend/internal/store"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type userReader interface {
	GetUser(ctx context.Context, id string) (*domain.UserAccount, error)
}

// Authenticator checks passwords at login and approver PINs for operations
// that need a second identity.
type Authenticator struct {
	users  userReader
	tokens *TokenManager
	logger logrus.FieldLogger
}

func NewAuthenticator(users userReader, tokens *TokenManager, logger logrus.FieldLogger) *Authenticator {
	return &Authenticator{users: users, tokens: tokens, logger: logger}
}

func (a *Authenticator) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	userID := strings.ToLower(strings.TrimSpace(req.UserID))
	user, err := a.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, ErrInvalidCredentials
		}
		return domain.LoginResponse{}, err
	}
	if !verifySecret(user.PasswordHash, req.Password) {
		a.logger.WithFields(logrus.Fields{"module": "identity", "user_id": userID}).Warn("login rejected")
		return domain.LoginResponse{}, ErrInvalidCredentials
	}
	if !user.Active {
		return domain.LoginResponse{}, fmt.Errorf("%w: account is inactive", ErrInvalidCredentials)
	}

	token, expiresAt, err := a.tokens.Issue(domain.Actor{ID: user.ID, BranchID: user.BranchID, Role: user.Role})
	if err != nil {
		return domain.LoginResponse{}, err
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        user.Role,
		BranchID:    user.BranchID,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// VerifyApprover confirms that approverID is an active manager or admin,
// distinct from the initiating user, whose approval PIN matches.
func (a *Authenticator) VerifyApprover(ctx context.Context, initiatorID string, approverID string, pin string) error {
	approverID = strings.ToLower(strings.TrimSpace(approverID))
	if approverID == "" || strings.EqualFold(approverID, strings.TrimSpace(initiatorID)) {
		return domain.ErrApprovalRequired
	}

	approver, err := a.users.GetUser(ctx, approverID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: unknown approver", domain.ErrApprovalRequired)
		}
		return err
	}
	if !approver.Active || (approver.Role != domain.RoleManager && approver.Role != domain.RoleAdmin) {
		return fmt.Errorf("%w: %s cannot approve", domain.ErrApprovalRequired, approverID)
	}
	if !verifySecret(approver.ApprovalPINHash, strings.TrimSpace(pin)) {
		a.logger.WithFields(logrus.Fields{
			"module":      "identity",
			"initiator":   initiatorID,
			"approver_id": approverID,
		}).Warn("approver pin rejected")
		return fmt.Errorf("%w: approver pin rejected", domain.ErrApprovalRequired)
	}
	return nil
}

// HashSecret bcrypt-hashes a password or PIN for storage.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifySecret(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func isHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}

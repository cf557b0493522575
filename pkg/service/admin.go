package service

import (
	"context"
	goerrors "errors"
	"fmt"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// Admins lists the usernames on the administrator list.
func (s *Service) Admins(ctx context.Context) ([]string, error) {
	admins, err := s.admins.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing admins: %w", err)
	}
	return admins, nil
}

// IsAdmin reports whether the username is on the administrator list.
func (s *Service) IsAdmin(ctx context.Context, username string) (bool, error) {
	return s.admins.Contains(ctx, username)
}

// AddAdmin puts a username on the administrator list. Adding an
// existing admin is a no-op.
func (s *Service) AddAdmin(ctx context.Context, username, actor, ip string) error {
	if !token.UsernameRegexp.MatchString(username) {
		return errors.NewInvalidRequestError(fmt.Sprintf("invalid username %q", username), nil)
	}
	if err := s.admins.Add(ctx, username, actor, ip); err != nil {
		return fmt.Errorf("adding admin: %w", err)
	}
	return nil
}

// RemoveAdmin takes a username off the administrator list.
func (s *Service) RemoveAdmin(ctx context.Context, username, actor, ip string) error {
	err := s.admins.Remove(ctx, username, actor, ip)
	if goerrors.Is(err, storage.ErrNotFound) {
		return errors.NewNotFoundError(fmt.Sprintf("%s is not an admin", username), nil)
	}
	if err != nil {
		return fmt.Errorf("removing admin: %w", err)
	}
	return nil
}

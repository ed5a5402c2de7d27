// Package credentials supplies the username and passwords for a run, either
// from preset values (flags, environment) or by asking on the terminal.
package credentials

import (
	"context"
	"errors"

	"github.com/spf13/viper"
)

// ErrNotProvided is returned by a Reader that has no value for a credential.
var ErrNotProvided = errors.New("credential not provided")

// Viper keys read by FromViper. The env binding uses the CELOBOX_ prefix,
// so CELOBOX_USERNAME and CELOBOX_OLDPASS work without flags.
const (
	KeyUsername    = "username"
	KeyOldPassword = "oldpass"
	KeyNewPassword = "newpass"
)

// Reader yields the credentials for one run.
type Reader interface {
	Username(ctx context.Context) (string, error)
	OldPassword(ctx context.Context) (string, error)
	NewPassword(ctx context.Context) (string, error)
}

// Static returns preset values. Empty fields report ErrNotProvided.
type Static struct {
	User string
	Old  string
	New  string
	// Notify, if set, is told when a preset value is used.
	Notify func(msg string)
}

// FromViper reads preset credentials from v.
func FromViper(v *viper.Viper) *Static {
	return &Static{
		User: v.GetString(KeyUsername),
		Old:  v.GetString(KeyOldPassword),
		New:  v.GetString(KeyNewPassword),
	}
}

func (s *Static) Username(ctx context.Context) (string, error) {
	return s.value(s.User, "Using provided username")
}

func (s *Static) OldPassword(ctx context.Context) (string, error) {
	return s.value(s.Old, "Using provided password")
}

func (s *Static) NewPassword(ctx context.Context) (string, error) {
	return s.value(s.New, "")
}

func (s *Static) value(v, msg string) (string, error) {
	if v == "" {
		return "", ErrNotProvided
	}
	if s.Notify != nil && msg != "" {
		s.Notify(msg)
	}
	return v, nil
}

// Chain asks each Reader in turn, moving on only past ErrNotProvided.
type Chain []Reader

func (c Chain) Username(ctx context.Context) (string, error) {
	return c.first(ctx, Reader.Username)
}

func (c Chain) OldPassword(ctx context.Context) (string, error) {
	return c.first(ctx, Reader.OldPassword)
}

func (c Chain) NewPassword(ctx context.Context) (string, error) {
	return c.first(ctx, Reader.NewPassword)
}

func (c Chain) first(ctx context.Context, get func(Reader, context.Context) (string, error)) (string, error) {
	for _, r := range c {
		v, err := get(r, ctx)
		if errors.Is(err, ErrNotProvided) {
			continue
		}
		return v, err
	}
	return "", ErrNotProvided
}

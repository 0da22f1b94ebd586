package users

import (
	"errors"
	"fmt"
	"os/user"
	"strconv"
	"strings"
)

// ErrUnresolved means the uid or name has no account on this host.
var ErrUnresolved = errors.New("user not resolvable")

// UnknownUID marks objects whose owner could not be determined.
const UnknownUID int64 = -1

// OwnerLabel is an explicit ownership override set on containers and
// volumes. Its value may be a uid or a username.
const OwnerLabel = "qman.user"

// Resolver maps between uids and account names. The lookup functions are
// injectable so tests run without touching the host passwd database.
type Resolver struct {
	lookupID func(uid string) (*user.User, error)
	lookup   func(name string) (*user.User, error)
}

func NewResolver() *Resolver {
	return &Resolver{lookupID: user.LookupId, lookup: user.Lookup}
}

// NewResolverWithLookups is for tests.
func NewResolverWithLookups(byID func(string) (*user.User, error), byName func(string) (*user.User, error)) *Resolver {
	return &Resolver{lookupID: byID, lookup: byName}
}

// Name returns the account name for uid, or ErrUnresolved.
func (r *Resolver) Name(uid int64) (string, error) {
	u, err := r.lookupID(strconv.FormatInt(uid, 10))
	if err != nil {
		return "", fmt.Errorf("%w: uid %d", ErrUnresolved, uid)
	}
	return u.Username, nil
}

// UID returns the uid for an account name, or ErrUnresolved.
func (r *Resolver) UID(name string) (int64, error) {
	u, err := r.lookup(name)
	if err != nil {
		return UnknownUID, fmt.Errorf("%w: %s", ErrUnresolved, name)
	}
	uid, err := strconv.ParseInt(u.Uid, 10, 64)
	if err != nil {
		return UnknownUID, fmt.Errorf("%w: %s has non-numeric uid %q", ErrUnresolved, name, u.Uid)
	}
	return uid, nil
}

// DisplayName resolves uid to a name, falling back to a synthetic
// placeholder when the account has been deleted since attribution.
func (r *Resolver) DisplayName(uid int64) string {
	if name, err := r.Name(uid); err == nil {
		return name
	}
	return SyntheticName(uid)
}

// SyntheticName is the stand-in name used for uids with no passwd entry.
func SyntheticName(uid int64) string {
	return fmt.Sprintf("user_%d", uid)
}

// ParseOwnerLabel interprets an explicit owner label value, which may be
// a numeric uid or an account name. Returns UnknownUID and ErrUnresolved
// for values that match neither.
func (r *Resolver) ParseOwnerLabel(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return UnknownUID, fmt.Errorf("%w: empty owner label", ErrUnresolved)
	}
	if uid, err := strconv.ParseInt(value, 10, 64); err == nil {
		if uid < 0 {
			return UnknownUID, fmt.Errorf("%w: negative uid %d", ErrUnresolved, uid)
		}
		return uid, nil
	}
	return r.UID(value)
}

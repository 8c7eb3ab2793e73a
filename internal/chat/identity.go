package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrMalformed       = errors.New("malformed payload")
	ErrStale           = errors.New("stale result discarded")
)

// Kind separates the two participant id spaces. Individual and
// organization ids overlap, so an id is never compared without its kind.
type Kind uint8

const (
	KindUnknown Kind = iota
	Individual
	Organization
)

// String returns the wire spelling used by the backend.
func (k Kind) String() string {
	switch k {
	case Individual:
		return "user"
	case Organization:
		return "company"
	default:
		return ""
	}
}

// ParseKind accepts every spelling seen across the backend endpoints.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "individual", "candidate":
		return Individual, nil
	case "company", "organization", "organisation", "employer":
		return Organization, nil
	}
	return KindUnknown, fmt.Errorf("%w: unknown kind %q", ErrInvalidIdentity, s)
}

// Identity is the canonical (kind, id) pair of a participant.
type Identity struct {
	Kind Kind
	ID   string
}

// NewIdentity builds an identity, canonicalizing numeric ids so that
// 7, "7" and "007" compare equal.
func NewIdentity(kind Kind, id string) Identity {
	return Identity{Kind: kind, ID: canonicalID(id)}
}

func canonicalID(id string) string {
	id = strings.TrimSpace(id)
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return strconv.FormatInt(n, 10)
	}
	if f, err := strconv.ParseFloat(id, 64); err == nil && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return id
}

func (i Identity) Valid() bool {
	return i.Kind != KindUnknown && i.ID != ""
}

// RoomKey is the push-channel room of this identity, "{kind}_{id}".
func (i Identity) RoomKey() string {
	return i.Kind.String() + "_" + i.ID
}

func (i Identity) String() string {
	if !i.Valid() {
		return "<none>"
	}
	return i.RoomKey()
}

func (i Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind string `json:"kind"`
		ID   string `json:"id"`
	}{i.Kind.String(), i.ID})
}

func (i *Identity) UnmarshalJSON(b []byte) error {
	id, err := identityFrom(gjson.ParseBytes(b),
		[]string{"kind", "type", "userType", "user_type"},
		[]string{"id", "userId", "user_id"})
	if err != nil {
		return err
	}
	*i = id
	return nil
}

// field returns the first present, non-null value among names.
func field(r gjson.Result, names ...string) gjson.Result {
	for _, n := range names {
		if v := r.Get(n); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func identityFrom(r gjson.Result, kindNames, idNames []string) (Identity, error) {
	k := field(r, kindNames...)
	v := field(r, idNames...)
	if !k.Exists() || !v.Exists() {
		return Identity{}, fmt.Errorf("%w: missing kind or id", ErrInvalidIdentity)
	}
	kind, err := ParseKind(k.String())
	if err != nil {
		return Identity{}, err
	}
	var raw string
	if v.Type == gjson.Number {
		raw = v.Raw
	} else {
		raw = v.String()
	}
	id := NewIdentity(kind, raw)
	if !id.Valid() {
		return Identity{}, fmt.Errorf("%w: empty id", ErrInvalidIdentity)
	}
	return id, nil
}

// Package ref models the ways an API call can name a Discord entity: the
// entity itself, its snowflake ID, or a parent/child ID pair.
package ref

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// ErrUnsupported is returned for values that cannot name an entity.
var ErrUnsupported = errors.New("ref: unsupported reference")

// Kind tells which form a Ref holds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindObject
	KindID
	KindComposite
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindID:
		return "id"
	case KindComposite:
		return "composite"
	default:
		return "invalid"
	}
}

// Ref names one entity. The zero value is invalid.
type Ref struct {
	kind   Kind
	id     uint64
	parent uint64
	object any
}

// ID returns a Ref holding a bare snowflake.
func ID(id uint64) Ref { return Ref{kind: KindID, id: id} }

// Composite returns a Ref naming id inside parent, such as a member of a
// guild or a message in a channel.
func Composite(parent, id uint64) Ref { return Ref{kind: KindComposite, parent: parent, id: id} }

// Object returns a Ref holding a loaded entity.
func Object(v any) (Ref, error) {
	var id, parent string
	switch o := v.(type) {
	case *discordgo.Guild:
		id = o.ID
	case *discordgo.Channel:
		id, parent = o.ID, o.GuildID
	case *discordgo.Message:
		id, parent = o.ID, o.ChannelID
	case *discordgo.User:
		id = o.ID
	case *discordgo.Member:
		if o.User != nil {
			id = o.User.ID
		}
		parent = o.GuildID
	case *discordgo.Role:
		id = o.ID
	default:
		return Ref{}, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
	n, err := parseSnowflake(id)
	if err != nil {
		return Ref{}, err
	}
	r := Ref{kind: KindObject, id: n, object: v}
	if parent != "" {
		if r.parent, err = parseSnowflake(parent); err != nil {
			return Ref{}, err
		}
	}
	return r, nil
}

// Parse reads "id" or "parent/id".
func Parse(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if p, c, ok := strings.Cut(s, "/"); ok {
		parent, err := parseSnowflake(p)
		if err != nil {
			return Ref{}, err
		}
		id, err := parseSnowflake(c)
		if err != nil {
			return Ref{}, err
		}
		return Composite(parent, id), nil
	}
	id, err := parseSnowflake(s)
	if err != nil {
		return Ref{}, err
	}
	return ID(id), nil
}

// Resolve turns any accepted form into a Ref: a Ref, an unsigned or signed
// integer, a string for Parse, or a supported discordgo entity.
func Resolve(v any) (Ref, error) {
	switch x := v.(type) {
	case Ref:
		if !x.Valid() {
			return Ref{}, fmt.Errorf("%w: zero Ref", ErrUnsupported)
		}
		return x, nil
	case uint64:
		return ID(x), nil
	case int64:
		if x <= 0 {
			return Ref{}, fmt.Errorf("%w: non-positive id %d", ErrUnsupported, x)
		}
		return ID(uint64(x)), nil
	case int:
		if x <= 0 {
			return Ref{}, fmt.Errorf("%w: non-positive id %d", ErrUnsupported, x)
		}
		return ID(uint64(x)), nil
	case string:
		return Parse(x)
	default:
		return Object(v)
	}
}

// Kind reports which form r holds.
func (r Ref) Kind() Kind { return r.kind }

// Valid reports whether r names anything.
func (r Ref) Valid() bool { return r.kind != KindInvalid && r.id != 0 }

// ID returns the entity snowflake.
func (r Ref) ID() uint64 { return r.id }

// Parent returns the parent snowflake, or zero when unknown.
func (r Ref) Parent() uint64 { return r.parent }

// IDString returns the entity snowflake in the form discordgo expects.
func (r Ref) IDString() string { return strconv.FormatUint(r.id, 10) }

// ParentString returns the parent snowflake, or "" when unknown.
func (r Ref) ParentString() string {
	if r.parent == 0 {
		return ""
	}
	return strconv.FormatUint(r.parent, 10)
}

// Object returns the loaded entity, if r holds one.
func (r Ref) Object() (any, bool) { return r.object, r.kind == KindObject }

// String renders r in the form Parse reads.
func (r Ref) String() string {
	if r.parent != 0 {
		return r.ParentString() + "/" + r.IDString()
	}
	return r.IDString()
}

func parseSnowflake(s string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: bad snowflake %q", ErrUnsupported, s)
	}
	return n, nil
}

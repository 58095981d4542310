package ingest

import (
	"context"

	"go.mau.fi/whatsmeow/types"
)

// Resolver maps a LID JID to its phone-number JID using the session's own
// mapping table.
type Resolver interface {
	ResolvePN(ctx context.Context, lid types.JID) (types.JID, bool)
}

// Identity is a canonicalized conversation or participant address.
type Identity struct {
	JID     string
	IsGroup bool
}

// Canonicalize returns the canonical form of jid: device suffix stripped and,
// for LID addresses, the phone-number form taken from alt or the resolver when
// one is known. Unparseable input is returned unchanged.
func Canonicalize(ctx context.Context, jid, alt string, r Resolver) Identity {
	if jid == "" {
		return Identity{}
	}
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return Identity{JID: jid}
	}
	parsed = parsed.ToNonAD()

	if parsed.Server == types.HiddenUserServer {
		if pn, ok := phoneForm(alt); ok {
			parsed = pn
		} else if r != nil {
			if pn, ok := r.ResolvePN(ctx, parsed); ok && !pn.IsEmpty() {
				parsed = pn.ToNonAD()
			}
		}
	}
	return Identity{JID: parsed.String(), IsGroup: parsed.Server == types.GroupServer}
}

func phoneForm(alt string) (types.JID, bool) {
	if alt == "" {
		return types.JID{}, false
	}
	parsed, err := types.ParseJID(alt)
	if err != nil || parsed.Server != types.DefaultUserServer {
		return types.JID{}, false
	}
	return parsed.ToNonAD(), true
}

// UserPart returns the user portion of a JID string ("57300" for
// "57300@s.whatsapp.net").
func UserPart(jid string) string {
	for i := 0; i < len(jid); i++ {
		if jid[i] == '@' || jid[i] == ':' {
			return jid[:i]
		}
	}
	return jid
}

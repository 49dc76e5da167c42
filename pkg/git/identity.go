// Package git resolves the commit identity handed to the coding agent, so that
// commits it makes in a session workspace are attributed to the bot rather than
// to whoever runs the worker.
package git

import (
	"fmt"
	"strings"
)

// NoReplyDomain is used for the default bot email address.
const NoReplyDomain = "users.noreply.github.com"

// Identity is the author and committer recorded on commits.
type Identity struct {
	Name  string
	Email string
}

// BotIdentity is the default identity for a bot, e.g.
// "Mapthew Bot <mapthew-bot@users.noreply.github.com>".
func BotIdentity(displayName, handle string) Identity {
	return Identity{
		Name:  strings.TrimSpace(displayName + " Bot"),
		Email: handle + "@" + NoReplyDomain,
	}
}

// Override returns i with every non-empty field of o applied on top.
func (i Identity) Override(o Identity) Identity {
	if name := strings.TrimSpace(o.Name); name != "" {
		i.Name = name
	}
	if email := strings.TrimSpace(o.Email); email != "" {
		i.Email = email
	}
	return i
}

// FromEnv reads GIT_AUTHOR_NAME and GIT_AUTHOR_EMAIL through lookup.
func FromEnv(lookup func(string) (string, bool)) Identity {
	var id Identity
	if v, ok := lookup("GIT_AUTHOR_NAME"); ok {
		id.Name = strings.TrimSpace(v)
	}
	if v, ok := lookup("GIT_AUTHOR_EMAIL"); ok {
		id.Email = strings.TrimSpace(v)
	}
	return id
}

// Env returns the variables git reads for both author and committer. Empty
// fields are left out so git falls back to its own configuration.
func (i Identity) Env() map[string]string {
	env := map[string]string{}
	if i.Name != "" {
		env["GIT_AUTHOR_NAME"] = i.Name
		env["GIT_COMMITTER_NAME"] = i.Name
	}
	if i.Email != "" {
		env["GIT_AUTHOR_EMAIL"] = i.Email
		env["GIT_COMMITTER_EMAIL"] = i.Email
	}
	return env
}

func (i Identity) String() string {
	return fmt.Sprintf("%s <%s>", i.Name, i.Email)
}

package server

import "sort"

// AdminSet holds the usernames with moderation privileges for this run.
// Membership is independent of whether the user is online.
type AdminSet struct {
	names map[string]struct{}
}

func NewAdminSet() *AdminSet {
	return &AdminSet{names: make(map[string]struct{})}
}

// Promote grants admin. Idempotent.
func (a *AdminSet) Promote(username string) {
	a.names[username] = struct{}{}
}

// Demote revokes admin. Idempotent.
func (a *AdminSet) Demote(username string) {
	delete(a.names, username)
}

func (a *AdminSet) IsAdmin(username string) bool {
	_, ok := a.names[username]
	return ok
}

// List returns the admins, sorted.
func (a *AdminSet) List() []string {
	out := make([]string, 0, len(a.names))
	for name := range a.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Package access answers project-scoped capability questions from the
// membership records held in the entity store.
package access

import (
	"sort"

	"scanqa/pkg/domain"
)

// Groups returns the permission groups userID holds on projectID, most
// privileged first. Superusers hold every group.
func Groups(view domain.TransactionView, projectID, userID string) []domain.PermissionGroup {
	if user, ok := view.FindUser(userID); ok && user.Superuser {
		return []domain.PermissionGroup{domain.GroupTier2, domain.GroupTier1, domain.GroupCollaborator}
	}
	seen := make(map[domain.PermissionGroup]struct{})
	var out []domain.PermissionGroup
	for _, m := range view.ListMemberships(projectID) {
		if m.UserID != userID || !m.Group.Valid() {
			continue
		}
		if _, dup := seen[m.Group]; dup {
			continue
		}
		seen[m.Group] = struct{}{}
		out = append(out, m.Group)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank() > out[j].Rank() })
	return out
}

// Role returns the highest group the user holds on the project.
func Role(view domain.TransactionView, projectID, userID string) (domain.PermissionGroup, bool) {
	groups := Groups(view, projectID, userID)
	if len(groups) == 0 {
		return "", false
	}
	return groups[0], true
}

// CanReview reports whether the user may lock experiments and record
// decisions on the project.
func CanReview(view domain.TransactionView, projectID, userID string) bool {
	for _, g := range Groups(view, projectID, userID) {
		if g.Reviewer() {
			return true
		}
	}
	return false
}

// CanRead reports whether the user holds any group on the project.
func CanRead(view domain.TransactionView, projectID, userID string) bool {
	return len(Groups(view, projectID, userID)) > 0
}

// Members returns the user ids holding group on the project, sorted.
func Members(view domain.TransactionView, projectID string, group domain.PermissionGroup) []string {
	var out []string
	for _, m := range view.ListMemberships(projectID) {
		if m.Group == group {
			out = append(out, m.UserID)
		}
	}
	sort.Strings(out)
	return out
}

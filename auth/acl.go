// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

// Right is a bit in an access control entry.
type Right uint32

const (
	RightCreate Right = 1 << iota
	RightRead
	RightUpdate
	RightDelete
	RightInvoke

	RightFullControl Right = 1<<32 - 1
)

// Well known principals.
const (
	RootID       = "root"
	AdminsRoleID = "admins"
)

// ACE grants rights to one user or role.
type ACE struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	Rights Right  `json:"rights"`
}

// ACL is the access control list carried by queues, workitems and documents.
type ACL []ACE

// Clone returns an independent copy of the list.
func (a ACL) Clone() ACL {
	if a == nil {
		return nil
	}
	out := make(ACL, len(a))
	copy(out, a)
	return out
}

// Add grants rights to id, merging with an existing entry.
func (a *ACL) Add(id, name string, rights Right) {
	for i := range *a {
		if (*a)[i].ID == id {
			(*a)[i].Rights |= rights
			return
		}
	}
	*a = append(*a, ACE{ID: id, Name: name, Rights: rights})
}

// Remove revokes rights from id. The entry is dropped once it holds nothing.
func (a *ACL) Remove(id string, rights Right) {
	out := (*a)[:0]
	for _, ace := range *a {
		if ace.ID == id {
			ace.Rights &^= rights
			if ace.Rights == 0 {
				continue
			}
		}
		out = append(out, ace)
	}
	*a = out
}

// Effective returns the union of rights the identity holds through its
// own id and all of its roles.
func (a ACL) Effective(id *Identity) Right {
	if id == nil {
		return 0
	}
	if id.IsRoot() {
		return RightFullControl
	}
	var r Right
	for _, ace := range a {
		if ace.ID == id.ID || id.HasRole(ace.ID) {
			r |= ace.Rights
		}
	}
	return r
}

// Authorizer decides whether an identity holds a right on a resource.
type Authorizer interface {
	HasRight(id *Identity, acl ACL, right Right) bool
}

// ACLAuthorizer grants access based solely on the resource ACL.
type ACLAuthorizer struct{}

var _ Authorizer = ACLAuthorizer{}

// HasRight reports whether every bit in right is granted.
func (ACLAuthorizer) HasRight(id *Identity, acl ACL, right Right) bool {
	return acl.Effective(id)&right == right
}

package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer write", role: RoleViewer, action: ActionWrite, allow: false},
		{name: "editor write", role: RoleEditor, action: ActionWrite, allow: true},
		{name: "editor manage", role: RoleEditor, action: ActionManage, allow: false},
		{name: "admin manage", role: RoleAdmin, action: ActionManage, allow: true},
		{name: "admin delete", role: RoleAdmin, action: ActionDelete, allow: false},
		{name: "owner delete", role: RoleOwner, action: ActionDelete, allow: true},
		{name: "unknown action", role: RoleOwner, action: Action("launch"), allow: false},
		{name: "unknown role", role: Role("guest"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("owner") != RoleOwner {
		t.Fatal("expected owner to survive normalization")
	}
	if Normalize("superuser") != RoleViewer {
		t.Fatal("expected unknown role to normalize to viewer")
	}
}

func TestAssignable(t *testing.T) {
	if Assignable("owner") {
		t.Fatal("owner must not be assignable")
	}
	if !Assignable("editor") {
		t.Fatal("editor must be assignable")
	}
}

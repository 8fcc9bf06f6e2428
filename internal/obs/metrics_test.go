package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                             "/",
		"/metrics":                     "/metrics",
		"/v1/staff/01ABC":              "/v1/staff/:id",
		"/v1/staff/login":              "/v1/staff/login",
		"/v1/restaurants/01ABC/staff":  "/v1/restaurants/:id/staff",
		"/v1/restaurants/01ABC":        "/v1/restaurants/01ABC",
		"/v1/role-sync/user":           "/v1/role-sync/user",
		"/v1/role-sync/user?verbose=1": "/v1/role-sync/user",
		"/v1/role-sync/webhook/member": "/v1/role-sync/webhook/member",
		"/v1/restaurants/01ABC/orders": "/v1/restaurants/01ABC/orders",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

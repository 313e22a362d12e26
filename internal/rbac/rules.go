package rbac

// Simple default policy. Expand as needed.
var RolePermissions = map[string][]string{
	"student": {
		"progress:track",
		"progress:complete",
		"progress:view-own",
		"exam:submit",
		"exam:practice",
		"quiz:submit",
		"points:view-own",
	},
	"instructor": {
		"exam:create",
		"exam:submit",
		"exam:practice",
		"progress:view-own",
		"progress:view-all",
		"points:view-own",
		"points:view-all",
	},
	"admin": {
		"*", // everything
	},
}

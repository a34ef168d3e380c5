// Package config loads application configuration from environment variables.
//
// All settings use the SHIFTLANE_ prefix. LoadConfig applies defaults,
// reads the environment, and validates the result; a process should fail
// fast on an invalid configuration rather than limp along with a partial
// one. The permission catalog file (roles, rank order, role defaults) is
// referenced here by path; its contents are owned by pkg/authz.
package config

// Package identity resolves platform users from internal ids, provider
// subjects, emails, or usernames, and syncs new users just-in-time from
// verified identity tokens.
package identity

// Package token issues and verifies the three signed token kinds: access,
// refresh, and stepup. Every token carries a kind discriminator in its
// claims, enforced at parse time, so one kind can never be accepted where
// another is expected.
package token

package config

import (
	"math/rand"
	"regexp"
)

// compilePlatformRegex anchors a declared [platforms] section name as a
// regex, matching Cylc's convention that platform section headers are
// themselves regex patterns matched against a task's "platform" field.
func compilePlatformRegex(declared string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + declared + ")$")
}

// RandomPlatformPicker returns a pick function for ResolvePlatformName that
// selects uniformly at random among a platform group's members, matching
// the "random selection among its members" rule.
func RandomPlatformPicker() func(n int) int {
	return func(n int) int {
		if n <= 1 {
			return 0
		}
		return rand.Intn(n)
	}
}

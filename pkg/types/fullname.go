package types

import "regexp"

// Regular expressions for validating reddit identifier formats.
var (
	// base36Regex matches base36 encoded IDs (0-9, a-z)
	base36Regex = regexp.MustCompile(`^[0-9a-z]+$`)

	// fullnameRegex matches fullname IDs: type prefix + base36 ID
	fullnameRegex = regexp.MustCompile(`^t[1-6]_[0-9a-z]+$`)

	// subredditRegex matches valid subreddit names (3-21 chars, alphanumeric + underscore)
	subredditRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{3,21}$`)

	// usernameRegex matches valid usernames (3-20 chars, alphanumeric + underscore + hyphen)
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,20}$`)
)

// IsValidBase36 checks if a string is a valid base36 encoded ID.
func IsValidBase36(s string) bool {
	return s != "" && base36Regex.MatchString(s)
}

// IsValidFullname checks if a string is a valid fullname ID.
func IsValidFullname(s string) bool {
	return fullnameRegex.MatchString(s)
}

// IsValidSubreddit checks if a string is a valid subreddit name.
func IsValidSubreddit(s string) bool {
	return subredditRegex.MatchString(s)
}

// IsValidUsername checks if a string is a valid username.
func IsValidUsername(s string) bool {
	return usernameRegex.MatchString(s)
}

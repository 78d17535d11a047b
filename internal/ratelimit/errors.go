package ratelimit

import "errors"

var errUnexpectedReply = errors.New("unexpected rate limit script reply")

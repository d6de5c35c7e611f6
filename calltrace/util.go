package calltrace

import (
	"crypto/sha1"
	"runtime"

	"github.com/mtraver/base91"
	"golang.org/x/sync/errgroup"
)

const ErrorLogPrefix = "!! "

// ErrGroupLimitCPU returns an errgroup limited to NumCPU.
func ErrGroupLimitCPU() *errgroup.Group {
	errGroup := &errgroup.Group{}
	errGroup.SetLimit(runtime.NumCPU())
	return errGroup
}

// contentDigest returns a compact printable digest of the provided bytes.
func contentDigest(b []byte) string {
	sha := sha1.Sum(b)
	return base91.StdEncoding.EncodeToString(sha[:])
}

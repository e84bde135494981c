// Capability-interface adapters and constructors for user-supplied
// dependencies and recipe steps (§9): Predicate and Func are modeled as
// single-method interfaces rather than bare function types, so a rule
// definition can embed anything that satisfies "invoke, safely, at most
// once" — including a closure, a method value, or (as below) a lightweight
// remote-asset check.

package main

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// PredicateFunc adapts a plain function to the Predicate interface.
type PredicateFunc func() (bool, error)

func (f PredicateFunc) Invoke() (bool, error) { return f() }

// FuncAction adapts a plain function to the Func interface.
type FuncAction func() error

func (f FuncAction) Invoke() error { return f() }

// AlwaysOutdated is a Predicate that always reports "changed". Useful for
// rules that must run every invocation regardless of target kind.
func AlwaysOutdated() Predicate {
	return PredicateFunc(func() (bool, error) { return true, nil })
}

// Never is a Predicate that never reports "changed".
func Never() Predicate {
	return PredicateFunc(func() (bool, error) { return false, nil })
}

// S3ObjectModifiedAfter returns a Predicate that is true (stale) when the
// S3 object at bucket/key has a LastModified time after since. It performs
// a single read-only HeadObject call the first (and, per §4.3, only) time
// it is invoked within an invocation — it does not persist anything across
// invocations, so it is a freshness check, not a build cache.
func S3ObjectModifiedAfter(region, bucket, key string, since time.Time) Predicate {
	return PredicateFunc(func() (bool, error) {
		sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
		if err != nil {
			return false, fmt.Errorf("s3 session: %w", err)
		}
		svc := s3.New(sess)
		out, err := svc.HeadObject(&s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return false, fmt.Errorf("head s3://%s/%s: %w", bucket, key, err)
		}
		if out.LastModified == nil {
			return false, nil
		}
		return out.LastModified.After(since), nil
	})
}

package tenant

import (
	"errors"
	"fmt"
	"strings"

	"logfanout/internal/logevent"
)

// ErrUnresolved is returned when an object key does not follow the
// {tenant}/{cluster}/{application}/{pod}/... layout.
var ErrUnresolved = errors.New("object key does not identify a tenant")

// minSegments is the number of leading path segments that carry identity.
const minSegments = 4

// Resolve derives the workload identity from an object key.
//
//	acme/cluster-1/billing/pod-42/part-0001.json.gz
//	  -> {TenantID: acme, ClusterID: cluster-1, Application: billing, Pod: pod-42}
//
// Keys with fewer than four segments, or with an empty identity segment,
// return ErrUnresolved.
func Resolve(key string) (logevent.Identity, error) {
	parts := strings.SplitN(key, "/", minSegments+1)
	if len(parts) < minSegments {
		return logevent.Identity{}, fmt.Errorf("%w: %d segments in %q", ErrUnresolved, len(parts), key)
	}
	for i := range minSegments {
		if parts[i] == "" {
			return logevent.Identity{}, fmt.Errorf("%w: empty segment %d in %q", ErrUnresolved, i, key)
		}
	}
	return logevent.Identity{
		TenantID:    parts[0],
		ClusterID:   parts[1],
		Application: parts[2],
		Pod:         parts[3],
	}, nil
}

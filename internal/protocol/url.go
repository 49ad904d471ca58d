package protocol

import (
	"net/url"

	"github.com/pkg/errors"
)

// Query parameter names the server reads on the upgrade request.
const (
	QueryTenant  = "restaurantnumber"
	QueryDevice  = "deviceid"
	QueryMachine = "machine"
)

// EndpointURL appends the identity to base as query parameters. Existing
// query parameters on base are kept.
func EndpointURL(base string, id DeviceIdentity) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "parse endpoint %q", base)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", errors.Errorf("endpoint %q: scheme must be ws or wss", base)
	}
	q := u.Query()
	q.Set(QueryTenant, id.TenantID)
	q.Set(QueryDevice, id.DeviceID)
	q.Set(QueryMachine, id.MachineLabel)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// IdentityFromQuery is the inverse of EndpointURL, used on the server side.
func IdentityFromQuery(q url.Values) DeviceIdentity {
	return DeviceIdentity{
		TenantID:     q.Get(QueryTenant),
		DeviceID:     q.Get(QueryDevice),
		MachineLabel: q.Get(QueryMachine),
	}
}

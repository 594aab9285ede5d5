package jsonlink

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nimdanitro/airquality-agent/pkg/lwm2m"
)

const (
	opRegister   = "register"
	opUpdate     = "update"
	opAck        = "ack"
	opRead       = "read"
	opDiscover   = "discover"
	opReset      = "reset"
	opContent    = "content"
	opDiscovered = "discovered"
	opChanged    = "changed"
	opError      = "error"
)

// Error codes carried in "error" replies.
const (
	CodeBadRequest  = "bad_request"
	CodeNotFound    = "not_found"
	CodeNotPresent  = "not_present"
	CodeUnsupported = "unsupported"
)

type message struct {
	Op        string          `json:"op"`
	ID        uint32          `json:"id,omitempty"`
	Path      string          `json:"path,omitempty"`
	Endpoint  string          `json:"ep,omitempty"`
	Lifetime  int             `json:"lt,omitempty"`
	Objects   []string        `json:"objects,omitempty"`
	Value     any             `json:"value,omitempty"`
	Resources []resourceEntry `json:"resources,omitempty"`
	Code      string          `json:"code,omitempty"`
}

type resourceEntry struct {
	ID      lwm2m.ResourceID `json:"id"`
	Ops     string           `json:"ops"`
	Present bool             `json:"present"`
}

// path is a parsed "/oid[/iid[/rid]]" reference.
type path struct {
	oid    lwm2m.ObjectID
	iid    lwm2m.InstanceID
	rid    lwm2m.ResourceID
	hasIID bool
	hasRID bool
}

func parsePath(s string) (path, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) == 0 || len(parts) > 3 || parts[0] == "" {
		return path{}, fmt.Errorf("%w: %q", ErrBadPath, s)
	}
	ids := make([]uint16, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return path{}, fmt.Errorf("%w: %q", ErrBadPath, s)
		}
		ids[i] = uint16(n)
	}

	p := path{oid: lwm2m.ObjectID(ids[0])}
	if len(ids) > 1 {
		p.iid, p.hasIID = lwm2m.InstanceID(ids[1]), true
	}
	if len(ids) > 2 {
		p.rid, p.hasRID = lwm2m.ResourceID(ids[2]), true
	}
	return p, nil
}

func (p path) String() string {
	switch {
	case p.hasRID:
		return fmt.Sprintf("/%d/%d/%d", p.oid, p.iid, p.rid)
	case p.hasIID:
		return fmt.Sprintf("/%d/%d", p.oid, p.iid)
	default:
		return fmt.Sprintf("/%d", p.oid)
	}
}

package site

import (
	"fmt"
	"strconv"

	"github.com/csmith/polaris/escrow"
	"github.com/csmith/polaris/slave"
)

// Generation is an immutable snapshot of every declaration and the sites that were accepted from them.
type Generation struct {
	BaseDomain string
	Sites      []*Site
	Results    []*slave.Result
}

// Summary is the generation-level report published back to the master.
type Summary struct {
	AcceptedSlaveAmount string              `json:"accepted-slave-amount"`
	RejectedSlaveAmount string              `json:"rejected-slave-amount"`
	SlaveAmount         string              `json:"slave-amount"`
	RejectedSlaveDict   map[string][]string `json:"rejected-slave-dict"`
	WarningSlaveDict    map[string][]string `json:"warning-slave-dict"`
}

// Information is the per-slave report published back to each slave.
type Information struct {
	Domain             string   `json:"domain,omitempty"`
	URL                string   `json:"url,omitempty"`
	SiteURL            string   `json:"site_url,omitempty"`
	SecureAccess       string   `json:"secure_access,omitempty"`
	ReplicationNumber  string   `json:"replication_number,omitempty"`
	WarningList        []string `json:"warning-list,omitempty"`
	KeyGenerateAuthURL string   `json:"key-generate-auth-url,omitempty"`
	KeyUploadURL       string   `json:"key-upload-url,omitempty"`
	RequestErrorList   []string `json:"request-error-list,omitempty"`
}

// Summary counts the accepted and rejected declarations, and lists the errors and warnings of each.
func (g *Generation) Summary() Summary {
	s := Summary{
		RejectedSlaveDict: make(map[string][]string),
		WarningSlaveDict:  make(map[string][]string),
	}

	accepted, rejected := 0, 0
	for _, res := range g.Results {
		if res.Accepted() {
			accepted++
		} else {
			rejected++
			s.RejectedSlaveDict["_"+res.Reference] = res.Errors
		}
		if len(res.Warnings) > 0 {
			s.WarningSlaveDict["_"+res.Reference] = res.Warnings
		}
	}

	s.AcceptedSlaveAmount = strconv.Itoa(accepted)
	s.RejectedSlaveAmount = strconv.Itoa(rejected)
	s.SlaveAmount = strconv.Itoa(len(g.Results))
	return s
}

// Information builds the report for a single slave. The escrow URL is the base URL of the key escrow
// service, and may be empty if no service is configured.
func (g *Generation) Information(reference, escrowURL string) (*Information, bool) {
	var res *slave.Result
	for i := range g.Results {
		if g.Results[i].Reference == reference {
			res = g.Results[i]
			break
		}
	}
	if res == nil {
		return nil, false
	}

	if !res.Accepted() {
		return &Information{
			RequestErrorList: res.Errors,
			WarningList:      res.Warnings,
		}, true
	}

	s := g.Site(reference)
	if s == nil {
		return nil, false
	}

	info := &Information{
		Domain:            s.Domain,
		URL:               fmt.Sprintf("http://%s", s.Domain),
		SiteURL:           fmt.Sprintf("http://%s", s.Domain),
		SecureAccess:      fmt.Sprintf("https://%s", s.Domain),
		ReplicationNumber: "1",
		WarningList:       res.Warnings,
	}
	if escrowURL != "" && !escrow.ValidKey(s.EscrowKey()) {
		info.WarningList = append(append([]string(nil), res.Warnings...),
			fmt.Sprintf("reference '%s' cannot be used as an escrow key, so key-upload-url is unavailable", reference))
	} else if escrowURL != "" {
		info.KeyGenerateAuthURL = fmt.Sprintf("%s/%s/generateauth", escrowURL, s.EscrowKey())
		info.KeyUploadURL = fmt.Sprintf("%s/%s?auth=", escrowURL, s.EscrowKey())
	}
	return info, true
}

// Site returns the accepted site with the given reference, or nil.
func (g *Generation) Site(reference string) *Site {
	for i := range g.Sites {
		if g.Sites[i].Reference == reference {
			return g.Sites[i]
		}
	}
	return nil
}

package rpc

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/canopy-network/ethy/controller"
	"github.com/canopy-network/ethy/lib"
)

type Client struct {
	rpcURL  string
	rpcPort string
	client  http.Client
}

func NewClient(rpcURL, rpcPort string) *Client {
	return &Client{rpcURL: rpcURL, rpcPort: rpcPort, client: http.Client{}}
}

// NewLocalClient() creates a client of the gadget running on this host
func NewLocalClient(rpcPort string) *Client { return NewClient("http://"+localhost, rpcPort) }

func (c *Client) Version() (version *string, err lib.ErrorI) {
	version = new(string)
	err = c.get(VersionRouteName, "", version)
	return
}

func (c *Client) Health() (p *controller.Health, err lib.ErrorI) {
	p = new(controller.Health)
	err = c.get(HealthRouteName, "", p)
	return
}

func (c *Client) Proof(eventId uint64) (p *lib.Proof, err lib.ErrorI) {
	p = new(lib.Proof)
	err = c.get(ProofRouteName, fmt.Sprint(eventId), p)
	return
}

func (c *Client) ProofABI(eventId uint64) (p *ProofABIResponse, err lib.ErrorI) {
	p = new(ProofABIResponse)
	err = c.get(ProofABIRouteName, fmt.Sprint(eventId), p)
	return
}

func (c *Client) Event(eventId uint64) (p *controller.EventInfo, err lib.ErrorI) {
	p = new(controller.EventInfo)
	err = c.get(EventRouteName, fmt.Sprint(eventId), p)
	return
}

func (c *Client) Validators() (p *ValidatorsResponse, err lib.ErrorI) {
	p = new(ValidatorsResponse)
	err = c.get(ValidatorsRouteName, "", p)
	return
}

func (c *Client) Audit(limit int) (p []*lib.AuditRecord, err lib.ErrorI) {
	err = c.getQuery(AuditRouteName, fmt.Sprintf("limit=%d", limit), &p)
	return
}

func (c *Client) PushHeader(h *lib.FinalizedHeader) (number *uint64, err lib.ErrorI) {
	bz, err := lib.MarshalJSON(h)
	if err != nil {
		return nil, err
	}
	number = new(uint64)
	err = c.post(HeaderRouteName, bz, number)
	return
}

func (c *Client) Config() (p *lib.Config, err lib.ErrorI) {
	p = new(lib.Config)
	err = c.get(ConfigRouteName, "", p)
	return
}

// url builds the address of a route, param fills the :eventId segment
func (c *Client) url(routeName, param string) string {
	path := routePaths[routeName].Path
	if param != "" {
		path = strings.Replace(path, ":eventId", param, 1)
	}
	return c.rpcURL + colon + c.rpcPort + path
}

func (c *Client) post(routeName string, json []byte, ptr any) lib.ErrorI {
	resp, err := c.client.Post(c.url(routeName, ""), ApplicationJSON, bytes.NewBuffer(json))
	if err != nil {
		return ErrPostRequest(err)
	}
	return c.unmarshal(resp, ptr)
}

func (c *Client) get(routeName, param string, ptr any) lib.ErrorI {
	return c.getURL(c.url(routeName, param), ptr)
}

func (c *Client) getQuery(routeName, query string, ptr any) lib.ErrorI {
	return c.getURL(c.url(routeName, "")+"?"+query, ptr)
}

func (c *Client) getURL(url string, ptr any) lib.ErrorI {
	resp, err := c.client.Get(url)
	if err != nil {
		return ErrGetRequest(err)
	}
	return c.unmarshal(resp, ptr)
}

func (c *Client) unmarshal(resp *http.Response, ptr any) lib.ErrorI {
	defer func() { _ = resp.Body.Close() }()
	bz, err := io.ReadAll(resp.Body)
	if err != nil {
		return ErrReadBody(err)
	}
	if resp.StatusCode != http.StatusOK {
		return ErrHttpStatus(resp.Status, resp.StatusCode, bz)
	}
	return lib.UnmarshalJSON(bz, ptr)
}

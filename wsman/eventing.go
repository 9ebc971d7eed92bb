package wsman

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Subscription is an active WS-Eventing subscription: the subscription
// manager's EPR (needed to Unsubscribe) plus the enumeration context to
// pass to the first Pull.
type Subscription struct {
	SubscriptionID      string
	Manager             *EndpointReference
	EnumerationContext  string
	Expires             string
}

// PullResult is one batch of delivered events.
type PullResult struct {
	EnumerationContext string
	Items              struct {
		Raw []byte
	}
	EndOfSequence bool
}

// Subscribe creates a pull-mode WS-Eventing subscription against
// resourceURI, filtered by a WQL query string.
func (c *Client) Subscribe(ctx context.Context, resourceURI, query string) (*Subscription, error) {
	env := NewEnvelope().
		WithAction(ActionSubscribe).
		WithTo(c.endpoint).
		WithResourceURI(resourceURI).
		WithMessageID("uuid:" + strings.ToUpper(uuid.New().String())).
		WithReplyTo(AddressAnonymous).
		WithSessionID(c.sessionID)

	body := `<wse:Subscribe xmlns:wse="` + NsEventing + `">
  <wse:Delivery Mode="` + DeliveryModePull + `"/>
  <wse:Expires>PT10M</wse:Expires>
  <wse:Filter Dialect="` + FilterDialectWQL + `">` + query + `</wse:Filter>
</wse:Subscribe>`
	env.WithBody([]byte(body))

	respBody, err := c.sendEnvelope(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	var resp subscribeResponse
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse subscribe response: %w", err)
	}

	sr := resp.Body.SubscribeResponse
	manager := &EndpointReference{
		Address: sr.SubscriptionManager.Address,
	}
	if id := sr.SubscriptionManager.ReferenceParameters.Identifier; id != "" {
		manager.Selectors = append(manager.Selectors, Selector{Name: "SubscriptionId", Value: id})
	}

	return &Subscription{
		SubscriptionID:     sr.SubscriptionManager.ReferenceParameters.Identifier,
		Manager:            manager,
		EnumerationContext: sr.EnumerationContext,
		Expires:            sr.Expires,
	}, nil
}

// Pull retrieves the next batch of delivered events for enumContext,
// requesting up to maxElements items.
func (c *Client) Pull(ctx context.Context, resourceURI, enumContext string, maxElements int) (*PullResult, error) {
	env := NewEnvelope().
		WithAction(ActionPull).
		WithTo(c.endpoint).
		WithResourceURI(resourceURI).
		WithMessageID("uuid:" + strings.ToUpper(uuid.New().String())).
		WithReplyTo(AddressAnonymous).
		WithSessionID(c.sessionID)

	body := `<wsen:Pull xmlns:wsen="` + NsEnumeration + `">
  <wsen:EnumerationContext>` + enumContext + `</wsen:EnumerationContext>
  <wsen:MaxElements>` + strconv.Itoa(maxElements) + `</wsen:MaxElements>
</wsen:Pull>`
	env.WithBody([]byte(body))

	respBody, err := c.sendEnvelope(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}

	var resp pullResponse
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse pull response: %w", err)
	}

	pr := &PullResult{
		EnumerationContext: resp.Body.PullResponse.EnumerationContext,
		EndOfSequence:      resp.Body.PullResponse.EndOfSequence != nil,
	}
	pr.Items.Raw = resp.Body.PullResponse.Items.Raw
	return pr, nil
}

// Unsubscribe cancels sub, addressing the request at its subscription
// manager EPR.
func (c *Client) Unsubscribe(ctx context.Context, sub *Subscription) error {
	env := NewEnvelope().
		WithAction(ActionUnsubscribe).
		WithTo(c.endpoint).
		WithMessageID("uuid:" + strings.ToUpper(uuid.New().String())).
		WithReplyTo(AddressAnonymous).
		WithSessionID(c.sessionID)

	if sub.Manager != nil {
		for _, s := range sub.Manager.Selectors {
			env.WithSelector(s.Name, s.Value)
		}
	}

	env.WithBody([]byte(`<wse:Unsubscribe xmlns:wse="` + NsEventing + `"/>`))

	_, err := c.sendEnvelope(ctx, env)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

type subscribeResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		SubscribeResponse struct {
			SubscriptionManager struct {
				Address             string `xml:"Address"`
				ReferenceParameters struct {
					Identifier string `xml:"Identifier"`
				} `xml:"ReferenceParameters"`
			} `xml:"SubscriptionManager"`
			EnumerationContext string `xml:"EnumerationContext"`
			Expires            string `xml:"Expires"`
		} `xml:"SubscribeResponse"`
	} `xml:"Body"`
}

type pullResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		PullResponse struct {
			EnumerationContext string `xml:"EnumerationContext"`
			Items              struct {
				Raw []byte `xml:",innerxml"`
			} `xml:"Items"`
			EndOfSequence *struct{} `xml:"EndOfSequence"`
		} `xml:"PullResponse"`
	} `xml:"Body"`
}

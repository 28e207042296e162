package scraper

import (
	"net/url"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// resourceTypes maps config names to Rod protocol resource types. Scripts and
// XHR are never blockable: the grid is rendered by them.
var resourceTypes = map[string]proto.NetworkResourceType{
	"Image":      proto.NetworkResourceTypeImage,
	"Stylesheet": proto.NetworkResourceTypeStylesheet,
	"Font":       proto.NetworkResourceTypeFont,
	"Media":      proto.NetworkResourceTypeMedia,
}

// adHosts lists ad and tracking hosts seen on finance listings.
var adHosts = map[string]struct{}{
	"doubleclick.net":       {},
	"googlesyndication.com": {},
	"googleadservices.com":  {},
	"google-analytics.com":  {},
	"googletagmanager.com":  {},
	"googletagservices.com": {},
	"adnxs.com":             {},
	"adsrvr.org":            {},
	"amazon-adsystem.com":   {},
	"criteo.com":            {},
	"criteo.net":            {},
	"pubmatic.com":          {},
	"rubiconproject.com":    {},
	"openx.net":             {},
	"casalemedia.com":       {},
	"taboola.com":           {},
	"outbrain.com":          {},
	"moatads.com":           {},
	"scorecardresearch.com": {},
	"quantserve.com":        {},
	"hotjar.com":            {},
	"consensu.org":          {},
	"facebook.net":          {},
	"media.net":             {},
}

// blocker decides which session requests never leave the browser.
type blocker struct {
	types map[proto.NetworkResourceType]struct{}
	ads   bool
}

func newBlocker(typeNames []string, blockAds bool) *blocker {
	b := &blocker{
		types: make(map[proto.NetworkResourceType]struct{}, len(typeNames)),
		ads:   blockAds,
	}
	for _, name := range typeNames {
		if rt, ok := resourceTypes[name]; ok {
			b.types[rt] = struct{}{}
		}
	}
	return b
}

func (b *blocker) empty() bool {
	return len(b.types) == 0 && !b.ads
}

// blocks reports whether a request of type rt to rawURL should fail.
func (b *blocker) blocks(rt proto.NetworkResourceType, rawURL string) bool {
	if _, ok := b.types[rt]; ok {
		return true
	}
	if !b.ads {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return isAdHost(u.Hostname())
}

// isAdHost checks host and each of its parent domains against adHosts.
func isAdHost(host string) bool {
	host = strings.ToLower(host)
	for host != "" {
		if _, ok := adHosts[host]; ok {
			return true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			break
		}
		host = host[i+1:]
	}
	return false
}

// mount installs the blocker on page before navigation. It returns nil when
// nothing is blocked; otherwise the caller must Stop the router.
func (b *blocker) mount(page *rod.Page) *rod.HijackRouter {
	if b.empty() {
		return nil
	}
	router := page.HijackRequests()
	_ = router.Add("*", "", func(h *rod.Hijack) {
		if b.blocks(h.Request.Type(), h.Request.URL().String()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	// Run blocks until Stop.
	go router.Run()
	return router
}

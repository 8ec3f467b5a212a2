package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// TargetsConfig holds the fixed pages visited per fragment and the selectors the page scripts use.
type TargetsConfig struct {
	SSIURL               string `mapstructure:"ssi_url"`
	SearchAppearancesURL string `mapstructure:"search_appearances_url"`
	ProfileViewsURL      string `mapstructure:"profile_views_url"`
	SSIChartSelector     string `mapstructure:"ssi_chart_selector"`
	ViewsChartSelector   string `mapstructure:"views_chart_selector"`
	DropdownSelector     string `mapstructure:"dropdown_selector"`
	MenuItemSelector     string `mapstructure:"menu_item_selector"`
	MenuItemLabel        string `mapstructure:"menu_item_label"`
	// AllowedHosts bounds where the agent may open tabs; subdomains of an entry are allowed.
	AllowedHosts []string `mapstructure:"allowed_hosts"`
}

func (t TargetsConfig) Normalize() TargetsConfig {
	if t.SSIURL == "" {
		t.SSIURL = "https://www.linkedin.com/sales/ssi"
	}
	if t.SearchAppearancesURL == "" {
		t.SearchAppearancesURL = "https://www.linkedin.com/analytics/search-appearances/"
	}
	if t.ProfileViewsURL == "" {
		t.ProfileViewsURL = "https://www.linkedin.com/analytics/profile-views/"
	}
	if t.SSIChartSelector == "" {
		t.SSIChartSelector = ".ssi-score svg, #ssi-score-chart"
	}
	if t.ViewsChartSelector == "" {
		t.ViewsChartSelector = ".member-analytics-addon-chart svg, canvas"
	}
	if t.DropdownSelector == "" {
		t.DropdownSelector = "button.artdeco-dropdown__trigger"
	}
	if t.MenuItemSelector == "" {
		t.MenuItemSelector = ".artdeco-dropdown__item, [role=\"menuitem\"], [role=\"option\"]"
	}
	if t.MenuItemLabel == "" {
		t.MenuItemLabel = "Past 90 days"
	}
	t.AllowedHosts = sanitizeHostList(t.AllowedHosts)
	if len(t.AllowedHosts) == 0 {
		t.AllowedHosts = []string{"linkedin.com"}
	}
	return t
}

// Validate requires absolute http(s) target urls on an allowed host.
func (t TargetsConfig) Validate() error {
	allowed := sanitizeHostList(t.AllowedHosts)
	for _, target := range []struct{ key, url string }{
		{"targets.ssi_url", t.SSIURL},
		{"targets.search_appearances_url", t.SearchAppearancesURL},
		{"targets.profile_views_url", t.ProfileViewsURL},
	} {
		u, err := url.Parse(target.url)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) url", target.key)
		}
		if len(allowed) > 0 && !hostAllowed(allowed, u.Hostname()) {
			return fmt.Errorf("%s: host %q not in targets.allowed_hosts", target.key, u.Hostname())
		}
	}
	return nil
}

func hostAllowed(allowed []string, host string) bool {
	host = normalizeHost(host)
	for _, a := range allowed {
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

func sanitizeHostList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	for _, raw := range values {
		host := normalizeHost(raw)
		if host == "" {
			continue
		}
		seen[host] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for host := range seen {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

func normalizeHost(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		if u, err := url.Parse(value); err == nil && u.Host != "" {
			value = u.Hostname()
		}
	}
	return strings.TrimPrefix(value, "www.")
}

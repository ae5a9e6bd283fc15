package fingerprint

import (
	"strings"

	vhttp "github.com/bl4ck0w1/patchlynx/internal/validation/http"
	"github.com/bl4ck0w1/patchlynx/internal/versiondb"
	"github.com/bl4ck0w1/patchlynx/pkg/models"
)

type serverTech struct {
	name     string
	typ      models.ComponentType
	category versiondb.Category
}

// Keyed by lower-cased product token as it appears in X-Powered-By, Server
// or X-Generator.
var serverTokens = map[string]serverTech{
	"php":           {"php", models.ComponentServerLanguage, versiondb.CategoryLanguages},
	"python":        {"python", models.ComponentServerLanguage, versiondb.CategoryLanguages},
	"node.js":       {"nodejs", models.ComponentServerLanguage, versiondb.CategoryLanguages},
	"nodejs":        {"nodejs", models.ComponentServerLanguage, versiondb.CategoryLanguages},
	"express":       {"express", models.ComponentServerFramework, versiondb.CategoryFrameworks},
	"asp.net":       {"asp.net", models.ComponentServerFramework, versiondb.CategoryFrameworks},
	"next.js":       {"next.js", models.ComponentServerFramework, versiondb.CategoryFrameworks},
	"laravel":       {"laravel", models.ComponentServerFramework, versiondb.CategoryFrameworks},
	"django":        {"django", models.ComponentServerFramework, versiondb.CategoryFrameworks},
	"phusion":       {"passenger", models.ComponentServerFramework, ""},
	"servlet":       {"java-servlet", models.ComponentServerLanguage, ""},
	"jsp":           {"java-servlet", models.ComponentServerLanguage, ""},
	"mod_perl":      {"perl", models.ComponentServerLanguage, ""},
	"mod_python":    {"python", models.ComponentServerLanguage, versiondb.CategoryLanguages},
	"ruby":          {"ruby", models.ComponentServerLanguage, ""},
	"rails":         {"rails", models.ComponentServerFramework, versiondb.CategoryFrameworks},
	"ruby-on-rails": {"rails", models.ComponentServerFramework, versiondb.CategoryFrameworks},
}

var serverCookies = []struct {
	cookie string
	tech   serverTech
}{
	{"PHPSESSID", serverTokens["php"]},
	{"laravel_session", serverTokens["laravel"]},
	{"ASP.NET_SessionId", serverTokens["asp.net"]},
	{".AspNetCore.Session", serverTokens["asp.net"]},
	{"csrftoken", serverTokens["django"]},
	{"connect.sid", serverTokens["express"]},
	{"_rails_session", serverTokens["rails"]},
	{"JSESSIONID", serverTokens["servlet"]},
}

var serverHeaders = []string{"X-Powered-By", "Server", "X-Generator"}

// detectServerTech runs the header and cookie pass. Each technology is
// reported once and header evidence with a version wins over cookies.
func detectServerTech(p *Page) []models.DetectedComponent {
	found := make(map[string]int)
	var out []models.DetectedComponent

	add := func(t serverTech, version string, method models.DetectionMethod, evidence string, confidence int) {
		if i, ok := found[t.name]; ok {
			if version != "" && !out[i].HasVersion() {
				out[i].Version = version
				out[i].DetectionMethod = method
				out[i].Evidence = evidence
				out[i].Confidence = confidence
			}
			return
		}
		c := models.NewComponent(t.name, t.typ, method)
		c.Product = t.name
		c.Version = version
		c.Evidence = evidence
		c.Confidence = confidence
		found[t.name] = len(out)
		out = append(out, c)
	}

	for _, h := range serverHeaders {
		for _, value := range p.Headers.Values(h) {
			for _, tok := range vhttp.ParseProductTokens(value) {
				t, ok := serverTokens[strings.ToLower(tok.Product)]
				if !ok {
					continue
				}
				add(t, tok.Version, models.DetectedByHeader, h+": "+value, confidenceHeader)
			}
		}
	}
	if v := p.Headers.Get("X-AspNet-Version"); v != "" {
		add(serverTokens["asp.net"], v, models.DetectedByHeader, "X-AspNet-Version: "+v, confidenceHeader)
	}
	if v := p.Headers.Get("X-AspNetMvc-Version"); v != "" {
		add(serverTokens["asp.net"], "", models.DetectedByHeader, "X-AspNetMvc-Version: "+v, confidenceHeader)
	}
	for _, sc := range serverCookies {
		if p.HasCookie(sc.cookie) {
			add(sc.tech, "", models.DetectedByCookie, sc.cookie, confidencePresence)
		}
	}
	return out
}

func categoryOf(name string) versiondb.Category {
	for _, t := range serverTokens {
		if t.name == name {
			return t.category
		}
	}
	return ""
}

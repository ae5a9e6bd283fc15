package fingerprint

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/bl4ck0w1/patchlynx/internal/versiondb"
	"github.com/bl4ck0w1/patchlynx/pkg/models"
)

// Library is a client-side asset signature. File matches the last path
// segment of a script or link URL and Path, when set, the whole URL. Versions
// run on the whole URL; Markup is an optional body pattern for libraries that
// leave traces without a file.
type Library struct {
	Name     string
	Type     models.ComponentType
	Category versiondb.Category
	File     *regexp.Regexp
	Path     *regexp.Regexp
	Versions []*regexp.Regexp
	Markup   *regexp.Regexp
}

func builtinLibraries() []*Library {
	js := func(name, file string, markup string, versions ...string) *Library {
		return newLibrary(name, models.ComponentJSLibrary, versiondb.CategoryJavaScript, file, markup, versions)
	}
	css := func(name, file string, versions ...string) *Library {
		return newLibrary(name, models.ComponentCSSFramework, versiondb.CategoryCSS, file, "", versions)
	}

	libs := []*Library{
		js("jquery", `^jquery(?:[.-]\d+(?:\.\d+)*)?(?:\.slim)?(?:\.min)?\.js$`, "",
			`/jquery/`+versionCapture+`/`, `jquery[.-]`+versionCapture+`(?:\.slim)?(?:\.min)?\.js`, `jquery@`+versionCapture),
		js("jquery-ui", `^jquery-ui(?:[.-]\d+(?:\.\d+)*)?(?:\.min)?\.(?:js|css)$`, "",
			`/jqueryui/`+versionCapture+`/`, `jquery-ui[.-]`+versionCapture, `jquery-ui@`+versionCapture),
		js("angularjs", `^angular(?:[.-]\d+(?:\.\d+)*)?(?:\.min)?\.js$`, `\sng-app(?:=|\s|>)`,
			`/angular(?:js|\.js)?/`+versionCapture+`/`, `angular(?:\.js)?@`+versionCapture),
		js("react", `^react(?:-dom)?(?:\.production|\.development)?(?:\.min)?\.js$`, `data-reactroot`,
			`/react(?:-dom)?@`+versionCapture+`/`, `/react(?:-dom)?/`+versionCapture+`/`),
		js("vue", `^vue(?:\.runtime)?(?:\.global)?(?:\.prod)?(?:\.min)?\.js$`, `\sdata-v-[0-9a-f]{8}`,
			`/vue@`+versionCapture+`/`, `/vue/`+versionCapture+`/`),
		js("lodash", `^lodash(?:\.core)?(?:\.min)?\.js$`, "",
			`/lodash(?:\.js)?/`+versionCapture+`/`, `lodash@`+versionCapture),
		js("moment", `^moment(?:-with-locales)?(?:\.min)?\.js$`, "",
			`/moment(?:\.js)?/`+versionCapture+`/`, `moment@`+versionCapture),
		css("bootstrap", `^bootstrap(?:\.bundle)?(?:\.min)?\.(?:css|js)$`,
			`/bootstrap/`+versionCapture+`/`, `bootstrap@`+versionCapture, `bootstrap[.-]`+versionCapture),
		css("font-awesome", `^font-?awesome(?:\.min)?\.css$`,
			`/font-awesome/`+versionCapture+`/`, `fontawesome-free@`+versionCapture, `font-awesome[.-]`+versionCapture),
		css("bulma", `^bulma(?:\.min)?\.css$`,
			`/bulma/`+versionCapture+`/`, `bulma@`+versionCapture),
		css("tailwindcss", `^tailwind(?:css)?(?:\.min)?\.css$`,
			`tailwindcss@`+versionCapture, `/tailwindcss/`+versionCapture+`/`),
		css("foundation", `^foundation(?:\.min)?\.(?:css|js)$`,
			`/foundation/`+versionCapture+`/`, `foundation-sites@`+versionCapture),
	}
	for _, l := range libs {
		switch l.Name {
		case "font-awesome":
			l.Path = mustRe(`/(?:font-awesome|fontawesome(?:-free)?)[/@]`)
		case "tailwindcss":
			l.Path = mustRe(`cdn\.tailwindcss\.com|/tailwindcss@`)
		}
	}
	return libs
}

func newLibrary(name string, typ models.ComponentType, cat versiondb.Category, file, markup string, versions []string) *Library {
	l := &Library{Name: name, Type: typ, Category: cat, File: mustRe(file)}
	if markup != "" {
		l.Markup = mustRe(markup)
	}
	for _, v := range versions {
		l.Versions = append(l.Versions, mustRe(v))
	}
	return l
}

func (l *Library) matchesAsset(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if l.File.MatchString(strings.ToLower(path.Base(u.Path))) {
		return true
	}
	return l.Path != nil && l.Path.MatchString(strings.ToLower(raw))
}

func (l *Library) version(raw string) (string, bool) {
	lower := strings.ToLower(raw)
	for _, re := range l.Versions {
		if m := re.FindStringSubmatch(lower); len(m) > 1 {
			return m[1], true
		}
	}
	return queryVersion(raw)
}

// queryVersion reads a ?ver= or ?v= cache-buster that looks like a version.
func queryVersion(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	q := u.Query()
	for _, key := range []string{"ver", "version", "v"} {
		if v := q.Get(key); reDottedVersion.MatchString(v) {
			return v, true
		}
	}
	return "", false
}

var reDottedVersion = regexp.MustCompile(`^\d+\.\d+(?:\.\d+){0,2}$`)

// detectLibraries runs the client-side pass. Each library is reported once;
// a versioned match wins over an unversioned one.
func detectLibraries(libs []*Library, p *Page, enrich func(versiondb.Category, *models.DetectedComponent)) []models.DetectedComponent {
	var out []models.DetectedComponent
	for _, lib := range libs {
		var found *models.DetectedComponent
		try := func(raw string, method models.DetectionMethod) {
			if !lib.matchesAsset(raw) {
				return
			}
			v, ok := lib.version(raw)
			if found != nil && (found.HasVersion() || !ok) {
				return
			}
			c := models.NewComponent(lib.Name, lib.Type, method)
			c.Product = lib.Name
			c.Evidence = raw
			c.Confidence = confidenceArtifact
			if ok {
				c.Version = v
			}
			found = &c
		}
		for _, src := range p.Scripts {
			try(src, models.DetectedByScript)
		}
		for _, href := range p.Links {
			try(href, models.DetectedByLink)
		}
		if found == nil && lib.Markup != nil {
			if m := lib.Markup.FindString(p.Body); m != "" {
				c := models.NewComponent(lib.Name, lib.Type, models.DetectedByPattern)
				c.Product = lib.Name
				c.Evidence = strings.TrimSpace(m)
				c.Confidence = confidencePresence
				found = &c
			}
		}
		if found != nil {
			if enrich != nil {
				enrich(lib.Category, found)
			}
			out = append(out, *found)
		}
	}
	return out
}

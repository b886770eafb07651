package wodbuster

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	logx "github.com/Keralin/WodSniper/pkg/logx"
)

const loginPage = `<!DOCTYPE html>
<html><body>
<form method="post" action="./login.aspx?cb=demo">
<input type="hidden" name="__VIEWSTATE" value="vs-value" />
<input type="hidden" name="__VIEWSTATEC" value="vsc-value" />
<input type="hidden" name="__EVENTVALIDATION" value="ev-value" />
<input type="hidden" name="CSRFToken" value="csrf-value" />
<input type="hidden" name="ctl00$hdnExtra" value="extra" />
<input type="text" name="ctl00$ctl00$body$body$CtlLogin$IoEmail" />
<input type="password" name="ctl00$ctl00$body$body$CtlLogin$IoPassword" />
</form>
</body></html>`

const devicePage = `<!DOCTYPE html>
<html><body>
<p>¿Recordar este dispositivo?</p>
<input type="hidden" name="__VIEWSTATE" value="vs2" />
<input type="hidden" name="CSRFToken" value="csrf2" />
<input type="submit" id="body_CtlSeguro" name="ctl00$body$CtlSeguro" value="Sí, confiar" />
</body></html>`

func TestHiddenInputs(t *testing.T) {
	t.Parallel()

	tokens := hiddenInputs(loginPage)
	want := map[string]string{
		"__VIEWSTATE":       "vs-value",
		"__VIEWSTATEC":      "vsc-value",
		"__EVENTVALIDATION": "ev-value",
		"CSRFToken":         "csrf-value",
		"ctl00$hdnExtra":    "extra",
	}
	for k, v := range want {
		if tokens[k] != v {
			t.Errorf("tokens[%q] = %q, want %q", k, tokens[k], v)
		}
	}
	if _, ok := tokens["ctl00$ctl00$body$body$CtlLogin$IoEmail"]; ok {
		t.Error("non-hidden inputs must not be extracted")
	}
}

func TestHiddenInputsRegexFallback(t *testing.T) {
	t.Parallel()

	// Inputs buried in a script string: no DOM nodes, only text.
	page := `<html><body><script>document.write('` +
		`<input type="hidden" name="__VIEWSTATE" value="from-regex" />` +
		`')</script></body></html>`
	tokens := hiddenInputs(page)
	if tokens["__VIEWSTATE"] != "from-regex" {
		t.Errorf("fallback tokens = %v", tokens)
	}
}

func TestBuildLoginForm(t *testing.T) {
	t.Parallel()

	tokens := hiddenInputs(loginPage)
	form := buildLoginForm(tokens, "ana@example.com", "pw")

	if form.Get(fieldEmail) != "ana@example.com" || form.Get(fieldPassword) != "pw" {
		t.Errorf("credentials not set: %v", form)
	}
	if form.Get(fieldAccept) != "Aceptar" {
		t.Errorf("submit button missing")
	}
	if form.Get("__VIEWSTATEC") != "vsc-value" || form.Get("CSRFToken") != "csrf-value" {
		t.Errorf("tokens not carried: %v", form)
	}
	if form.Get("ctl00$hdnExtra") != "extra" {
		t.Errorf("extra ctl00 token not carried")
	}
}

func TestBuildDeviceConfirmForm(t *testing.T) {
	t.Parallel()

	tokens := hiddenInputs(devicePage)
	form := buildDeviceConfirmForm(tokens, devicePage)
	if form.Get("ctl00$body$CtlSeguro") != "Sí, confiar" {
		t.Errorf("confirm button not found: %v", form)
	}
	if form.Get("__VIEWSTATE") != "vs2" {
		t.Errorf("tokens not carried: %v", form)
	}
}

func TestLoginErrorDetection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		page string
		want bool
	}{
		{"<p>Usuario o contraseña incorrectos</p>", true},
		{"<p>Email o contraseña incorrectos</p>", true},
		{"<p>Bienvenido</p>", false},
	}
	for _, tc := range tests {
		if got := hasLoginError(tc.page); got != tc.want {
			t.Errorf("hasLoginError(%q) = %v", tc.page, got)
		}
	}

	if !needsDeviceConfirmation(devicePage) {
		t.Error("device page not detected")
	}
	if needsDeviceConfirmation(loginPage) {
		t.Error("login page misdetected as device confirmation")
	}
}

func TestRestoreSessionWithAuthCookie(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c, err := New(Config{BoxURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.LoggedIn() {
		t.Fatal("fresh client must not be logged in")
	}
	if !c.RestoreSession(context.Background(), []Cookie{{Name: ".WBAuth", Value: "tok"}}) {
		t.Fatal("RestoreSession with auth cookie should succeed")
	}
	if !c.LoggedIn() {
		t.Error("LoggedIn should be true after restore")
	}
}

func TestRestoreSessionFailsWithoutVerification(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "login required", http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := New(Config{BoxURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stored := []Cookie{{Name: "ASP.NET_SessionId", Value: "stale"}}
	if c.RestoreSession(context.Background(), stored) {
		t.Fatal("stale session should not verify")
	}
	if c.LoggedIn() {
		t.Error("failed restore must not mark the client logged in")
	}
	// Input cookies stay usable by the caller.
	if stored[0].Name != "ASP.NET_SessionId" || stored[0].Value != "stale" {
		t.Errorf("input cookies mutated: %+v", stored)
	}
	if c.RestoreSession(context.Background(), nil) {
		t.Error("empty cookie set should fail fast")
	}
}

func TestRestoreSessionViaProtectedPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "schedule.aspx") {
			fmt.Fprint(w, "<html><body><h1>Calendario</h1></body></html>")
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, err := New(Config{BoxURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// No .WBAuth cookie, but the protected page is reachable.
	if !c.RestoreSession(context.Background(), []Cookie{{Name: "ASP.NET_SessionId", Value: "live"}}) {
		t.Fatal("restore should verify via the protected page")
	}
}

func TestCookieCodec(t *testing.T) {
	t.Parallel()

	in := []Cookie{
		{Name: ".WBAuth", Value: "tok", Domain: "wodbuster.com", Path: "/"},
		{Name: "ASP.NET_SessionId", Value: "sid"},
	}
	s, err := EncodeCookies(in)
	if err != nil {
		t.Fatalf("EncodeCookies: %v", err)
	}
	out := DecodeCookies(s)
	if len(out) != 2 || out[0] != in[0] || out[1] != in[1] {
		t.Errorf("round trip = %+v", out)
	}

	if s, err := EncodeCookies(nil); err != nil || s != "" {
		t.Errorf("EncodeCookies(nil) = %q, %v", s, err)
	}
	if got := DecodeCookies(""); got != nil {
		t.Errorf("DecodeCookies(\"\") = %+v", got)
	}
	if got := DecodeCookies("{broken"); got != nil {
		t.Errorf("DecodeCookies(garbage) = %+v", got)
	}
}

func TestBoxNameFromHost(t *testing.T) {
	t.Parallel()

	tests := []struct{ host, want string }{
		{"teknix.wodbuster.com", "teknix"},
		{"wodbuster.com", "wodbuster.com"},
		{"127.0.0.1:8080", "127.0.0.1:8080"},
	}
	for _, tc := range tests {
		if got := boxNameFromHost(tc.host); got != tc.want {
			t.Errorf("boxNameFromHost(%q) = %q, want %q", tc.host, got, tc.want)
		}
	}
}

// Package remote validates and classifies git remote URLs before anything is
// fetched from them. Validation is default-deny: a URL must use https or SSH,
// must not carry credentials, must not point at a local path or a private
// network address, and its host must be on the provider allow-list.
package remote

import (
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"github.com/Iron-Ham/simpleaide/internal/errors"
)

// Provider represents a git hosting service
type Provider string

const (
	ProviderGitHub    Provider = "github"
	ProviderGitLab    Provider = "gitlab"
	ProviderBitbucket Provider = "bitbucket"
	ProviderAzure     Provider = "azure"
	ProviderCodeberg  Provider = "codeberg"
	ProviderGitea     Provider = "gitea"
	ProviderSourcehut Provider = "sourcehut"
	ProviderGeneric   Provider = "generic"
)

// Providers returns every known provider.
func Providers() []Provider {
	return []Provider{
		ProviderGitHub, ProviderGitLab, ProviderBitbucket, ProviderAzure,
		ProviderCodeberg, ProviderGitea, ProviderSourcehut, ProviderGeneric,
	}
}

// builtinHosts is the default allow-list.
var builtinHosts = map[string]Provider{
	"github.com":        ProviderGitHub,
	"gitlab.com":        ProviderGitLab,
	"bitbucket.org":     ProviderBitbucket,
	"dev.azure.com":     ProviderAzure,
	"ssh.dev.azure.com": ProviderAzure,
	"codeberg.org":      ProviderCodeberg,
	"gitea.com":         ProviderGitea,
	"git.sr.ht":         ProviderSourcehut,
}

var blockedSuffixes = []string{".local", ".internal", ".localhost", ".localdomain"}

var (
	// git@github.com:owner/repo.git
	scpLikeRegex     = regexp.MustCompile(`^([A-Za-z0-9._-]+)@([A-Za-z0-9.-]+):(.+)$`)
	windowsPathRegex = regexp.MustCompile(`^[A-Za-z]:[\\/]`)
	userinfoRegex    = regexp.MustCompile(`://[^/@]*@`)
)

// Info is the result of a successful validation.
type Info struct {
	SanitizedURL string   `json:"sanitized_url"`
	Provider     Provider `json:"provider"`
	Owner        string   `json:"owner,omitempty"`
	Repo         string   `json:"repo,omitempty"`
}

// Validator checks remote URLs against an allow-list of hosts.
// It is safe for concurrent use once constructed.
type Validator struct {
	hosts map[string]Provider
}

// NewValidator creates a Validator using the built-in allow-list extended by
// extraHosts (hostname to provider name). Unknown provider names map to generic.
func NewValidator(extraHosts map[string]string) *Validator {
	hosts := make(map[string]Provider, len(builtinHosts)+len(extraHosts))
	for h, p := range builtinHosts {
		hosts[h] = p
	}
	for h, p := range extraHosts {
		host := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
		if host == "" {
			continue
		}
		hosts[host] = parseProvider(p)
	}
	return &Validator{hosts: hosts}
}

func parseProvider(name string) Provider {
	p := Provider(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Providers() {
		if p == known {
			return p
		}
	}
	return ProviderGeneric
}

var defaultValidator = NewValidator(nil)

// Validate checks rawURL against the built-in allow-list.
func Validate(rawURL string) (*Info, error) {
	return defaultValidator.Validate(rawURL)
}

// Validate runs the checks in order and stops at the first failure. A
// failure is always an *errors.ValidationError.
func (v *Validator) Validate(rawURL string) (*Info, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return nil, invalid("remote url is empty")
	}

	if isLocalPath(raw) {
		return nil, invalid("local paths are not allowed as remotes")
	}
	if strings.HasPrefix(raw, "-") || strings.Contains(strings.ToLower(raw), "proxycommand") {
		return nil, invalid("remote url contains ssh option injection")
	}

	var (
		host     string
		repoPath string
		isSSH    bool
	)

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, invalid("remote url is malformed").WithCause(err)
		}
		scheme := strings.ToLower(u.Scheme)

		if u.User != nil {
			if _, hasPassword := u.User.Password(); hasPassword || scheme != "ssh" {
				return nil, invalid("embedded credentials are not allowed; pass authentication separately")
			}
		}

		switch scheme {
		case "https":
		case "ssh":
			isSSH = true
		case "git":
			return nil, invalid("git:// protocol is unencrypted and not allowed")
		default:
			return nil, invalid("unsupported scheme " + scheme + "; use https or ssh").WithField("url")
		}

		host = u.Hostname()
		repoPath = u.Path
	} else {
		if hasSCPPassword(raw) {
			return nil, invalid("embedded credentials are not allowed; pass authentication separately")
		}
		m := scpLikeRegex.FindStringSubmatch(raw)
		if m == nil {
			return nil, invalid("unsupported remote url form; use https or ssh")
		}
		isSSH = true
		host = m[2]
		repoPath = m[3]
	}

	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return nil, invalid("remote url has no hostname")
	}

	if reason := blockedHostReason(host); reason != "" {
		return nil, invalid(reason).WithValue(host)
	}

	provider, ok := v.hosts[host]
	if !ok {
		return nil, invalid("host is not on the allow-list").WithValue(host)
	}

	owner, repo := ownerRepo(provider, repoPath, isSSH)

	return &Info{
		SanitizedURL: SanitizeURL(raw),
		Provider:     provider,
		Owner:        owner,
		Repo:         repo,
	}, nil
}

// AllowedHosts returns the hostnames this validator accepts.
func (v *Validator) AllowedHosts() map[string]Provider {
	out := make(map[string]Provider, len(v.hosts))
	for h, p := range v.hosts {
		out[h] = p
	}
	return out
}

func invalid(reason string) *errors.ValidationError {
	return errors.NewValidationError(reason).WithField("url")
}

// hasSCPPassword reports whether an scp-like remote starts with user:pass@.
func hasSCPPassword(raw string) bool {
	userinfo, _, found := strings.Cut(raw, "@")
	return found && strings.Contains(userinfo, ":") && !strings.Contains(userinfo, "/")
}

func isLocalPath(raw string) bool {
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "file:"),
		strings.HasPrefix(raw, "/"),
		strings.HasPrefix(raw, "./"),
		strings.HasPrefix(raw, "../"),
		strings.HasPrefix(raw, "~"),
		strings.HasPrefix(raw, `\\`),
		raw == ".", raw == "..",
		windowsPathRegex.MatchString(raw):
		return true
	}
	return false
}

// blockedHostReason returns a non-empty reason if host resolves to a
// loopback, link-local, private or otherwise internal destination. Only the
// literal hostname is inspected; no DNS lookup is performed.
func blockedHostReason(host string) string {
	if host == "localhost" {
		return "loopback hosts are not allowed"
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return "internal hostnames are not allowed"
		}
	}

	ip, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return ""
	}
	ip = ip.Unmap()
	switch {
	case ip.IsLoopback():
		return "loopback addresses are not allowed"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local addresses are not allowed"
	case ip.IsPrivate():
		return "private network addresses are not allowed"
	case ip.IsUnspecified():
		return "unspecified addresses are not allowed"
	}
	return ""
}

// ownerRepo extracts display-only owner and repository names. It never fails;
// unknown layouts yield empty strings.
func ownerRepo(provider Provider, path string, isSSH bool) (string, string) {
	path = strings.Trim(path, "/")
	path = strings.TrimSuffix(path, ".git")
	segments := strings.Split(path, "/")
	if len(segments) < 2 || segments[0] == "" {
		return "", ""
	}

	switch provider {
	case ProviderAzure:
		// https: org/project/_git/repo   ssh: v3/org/project/repo
		if isSSH && segments[0] == "v3" && len(segments) >= 4 {
			return segments[1], segments[3]
		}
		for i, s := range segments {
			if s == "_git" && i+1 < len(segments) {
				return segments[0], segments[i+1]
			}
		}
		return "", ""
	case ProviderSourcehut:
		return strings.TrimPrefix(segments[0], "~"), segments[1]
	case ProviderGitLab:
		// Subgroups belong to the owner.
		last := len(segments) - 1
		return strings.Join(segments[:last], "/"), segments[last]
	default:
		return segments[0], segments[1]
	}
}

// SanitizeURL strips userinfo from URL-form remotes. A bare ssh:// login name
// and SCP-like remotes are kept since their user part is a login, not a
// secret. It is idempotent.
func SanitizeURL(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if !strings.Contains(raw, "://") {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return userinfoRegex.ReplaceAllString(raw, "://")
	}
	if u.User == nil {
		return raw
	}
	if _, hasPassword := u.User.Password(); !hasPassword && strings.EqualFold(u.Scheme, "ssh") {
		return raw
	}
	u.User = nil
	return u.String()
}

// IsHTTPS reports whether rawURL uses the https scheme.
func IsHTTPS(rawURL string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(rawURL)), "https://")
}

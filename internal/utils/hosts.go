package utils

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// DefaultMediaHosts are the hosts accepted when no allow-list file exists
var DefaultMediaHosts = []string{
	"youtube.com",
	"youtu.be",
	"youtube-nocookie.com",
}

// HostList holds the media hosts links are allowed to point at. A host matches
// an entry when it equals it or is a subdomain of it.
type HostList struct {
	hosts []string
}

// NewHostList builds an allow-list from host names
func NewHostList(hosts ...string) *HostList {
	list := &HostList{}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			list.hosts = append(list.hosts, strings.TrimPrefix(h, "."))
		}
	}
	return list
}

// LoadHostList loads allowed hosts from a file, one per line.
// A missing file yields the default media hosts.
func LoadHostList(path string) (*HostList, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NewHostList(DefaultMediaHosts...), nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var hosts []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		host := strings.TrimSpace(scanner.Text())
		if host != "" && !strings.HasPrefix(host, "#") {
			hosts = append(hosts, host)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return NewHostList(hosts...), nil
}

// Hosts returns the configured entries
func (l *HostList) Hosts() []string {
	return append([]string(nil), l.hosts...)
}

// Allowed checks if a host is on the list
func (l *HostList) Allowed(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, h := range l.hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// ValidateMediaURL parses raw and checks it is an http(s) link to an allowed host
func (l *HostList) ValidateMediaURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("missing host")
	}
	if !l.Allowed(u.Hostname()) {
		return nil, fmt.Errorf("host %q is not allowed", u.Hostname())
	}
	return u, nil
}

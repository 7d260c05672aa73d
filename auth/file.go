package auth

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type fileUser struct {
	ID               int           `yaml:"id"`
	Name             string        `yaml:"name"`
	Password         string        `yaml:"password"` // bcrypt hash
	Groups           []string      `yaml:"groups"`
	Flags            string        `yaml:"flags"`
	Home             string        `yaml:"home"`
	MaxIdle          time.Duration `yaml:"max_idle"`
	MaxUploadSpeed   int64         `yaml:"max_upload_speed"`
	MaxDownloadSpeed int64         `yaml:"max_download_speed"`
	NumLogins        int           `yaml:"num_logins"`
	IPAllowed        []string      `yaml:"ip_allowed"`
}

type usersFile struct {
	Users []fileUser `yaml:"users"`
}

// LoadFile reads a YAML users file:
//
//	users:
//	  - name: alice
//	    id: 1
//	    password: $2a$10$...   # bcrypt
//	    groups: [staff]
//	    flags: O
//	    home: /alice
//	    max_idle: 10m
//	    ip_allowed: [192.168.0.0/16, 10.0.0.7]
func LoadFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse builds a backend from users-file content.
func Parse(data []byte) (*Memory, error) {
	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing users file: %w", err)
	}

	m := NewMemory()
	for i, fu := range f.Users {
		if fu.Name == "" {
			return nil, fmt.Errorf("user #%d has no name", i+1)
		}
		allowed, err := parseAllowed(fu.IPAllowed)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", fu.Name, err)
		}
		u := &User{
			ID:               fu.ID,
			Name:             fu.Name,
			Groups:           fu.Groups,
			Flags:            fu.Flags,
			HomeDir:          fu.Home,
			MaxIdle:          fu.MaxIdle,
			MaxUploadSpeed:   fu.MaxUploadSpeed,
			MaxDownloadSpeed: fu.MaxDownloadSpeed,
			NumLogins:        fu.NumLogins,
			IPAllowed:        allowed,
		}
		if err := m.AddHashed(u, fu.Password); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func parseAllowed(list []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range list {
		s = strings.TrimSpace(s)
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

package validator

import (
	"net"
	"strings"
)

// NormalizeIP 去掉 IPv6 zone (fe80::1%eth0 -> fe80::1)，非法地址返回空串
func NormalizeIP(ip string) string {
	if idx := strings.IndexByte(ip, '%'); idx != -1 {
		ip = ip[:idx]
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ""
	}
	return parsed.String()
}

// IPOrDefault 规范化后的 IP，非法时返回 fallback
func IPOrDefault(ip, fallback string) string {
	if n := NormalizeIP(ip); n != "" {
		return n
	}
	return fallback
}

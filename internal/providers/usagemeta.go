package providers

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

const usageMetaMaxDepth = 5

// ScanUsageMeta walks a decoded usage block looking for the cost and
// transaction-hash fields gateways bury at inconsistent depths and
// under inconsistent names. Returns the first plausible hit for each.
func ScanUsageMeta(raw any) (costUSD float64, txHash string) {
	scanUsageNode(raw, 0, &costUSD, &txHash)
	return costUSD, txHash
}

func scanUsageNode(node any, depth int, cost *float64, hash *string) {
	if depth > usageMetaMaxDepth {
		return
	}
	switch v := node.(type) {
	case map[string]any:
		for key, val := range v {
			k := strings.ToLower(key)
			if *cost == 0 && isCostKey(k) {
				if c, ok := numericValue(val); ok && c > 0 {
					*cost = c
					continue
				}
			}
			if *hash == "" && isHashKey(k) {
				if h, ok := hashValue(val); ok {
					*hash = h
					continue
				}
			}
			scanUsageNode(val, depth+1, cost, hash)
		}
	case []any:
		for _, item := range v {
			scanUsageNode(item, depth+1, cost, hash)
		}
	}
}

func isCostKey(k string) bool {
	switch k {
	case "cost", "totalcost", "total_cost", "cost_usd", "costusd":
		return true
	}
	return false
}

func isHashKey(k string) bool {
	if k == "hash" {
		return true
	}
	for _, sub := range []string{"txhash", "tx_hash", "transactionhash", "transaction_hash"} {
		if strings.Contains(k, sub) {
			return true
		}
	}
	return false
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// hashValue accepts a 64-char hex digest, with or without a 0x prefix,
// or the same 32 bytes base64-encoded. Everything else is noise.
func hashValue(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	trimmed := strings.TrimPrefix(s, "0x")
	if isHex64(trimmed) {
		return strings.ToLower(trimmed), true
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 32 {
		return hex.EncodeToString(b), true
	}
	return "", false
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

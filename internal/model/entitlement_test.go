package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEntitlementEffective(t *testing.T) {
	now := time.Now()

	// 无授权记录
	var missing *EntitlementGrant
	assert.False(t, missing.Effective(now))

	// 买断永久有效
	lifetime := &EntitlementGrant{Address: "0xabc", ResourceID: "track-1"}
	assert.True(t, lifetime.Effective(now))
	assert.True(t, lifetime.Effective(now.AddDate(100, 0, 0)))

	// 未过期
	future := now.Add(time.Hour)
	active := &EntitlementGrant{Address: "0xabc", ResourceID: "track-2", ExpiresAt: &future}
	assert.True(t, active.Effective(now))

	// 已过期：记录还在，但不再有效
	past := now.Add(-time.Hour)
	expired := &EntitlementGrant{Address: "0xabc", ResourceID: "track-3", ExpiresAt: &past}
	assert.False(t, expired.Effective(now))

	// 到期瞬间按失效处理
	exact := now
	boundary := &EntitlementGrant{Address: "0xabc", ResourceID: "track-4", ExpiresAt: &exact}
	assert.False(t, boundary.Effective(now))
}

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSettlementStatusTransitions(t *testing.T) {
	// PENDING 可以推进到两个终态
	assert.True(t, CanTransitionTo(SettlementStatusPending, SettlementStatusConfirmed))
	assert.True(t, CanTransitionTo(SettlementStatusPending, SettlementStatusFailed))

	// 终态不允许再流转
	assert.False(t, CanTransitionTo(SettlementStatusConfirmed, SettlementStatusFailed))
	assert.False(t, CanTransitionTo(SettlementStatusConfirmed, SettlementStatusPending))
	assert.False(t, CanTransitionTo(SettlementStatusFailed, SettlementStatusConfirmed))
	assert.False(t, CanTransitionTo(SettlementStatusFailed, SettlementStatusPending))

	// 未知状态
	assert.False(t, CanTransitionTo("UNKNOWN", SettlementStatusConfirmed))
}

func TestConversionStatusTransitions(t *testing.T) {
	assert.True(t, CanConversionTransitionTo(ConversionStatusPending, ConversionStatusConfirmed))
	assert.True(t, CanConversionTransitionTo(ConversionStatusPending, ConversionStatusCompensated))

	// 兑换没有从终态出发的流转，补偿完成就是结束
	assert.False(t, CanConversionTransitionTo(ConversionStatusConfirmed, ConversionStatusCompensated))
	assert.False(t, CanConversionTransitionTo(ConversionStatusCompensated, ConversionStatusConfirmed))
	assert.False(t, CanConversionTransitionTo(ConversionStatusCompensated, ConversionStatusPending))
}

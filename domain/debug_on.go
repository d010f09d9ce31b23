//go:build riskdebug

package domain

const debugBuild = true

// Package auth resolves bearer credentials into player profiles.
package auth

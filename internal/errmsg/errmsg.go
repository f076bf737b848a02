// Package errmsg provides enhanced error message formatting with actionable suggestions.
package errmsg

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/nixcore/installer/internal/ierr"
)

// ErrorContext provides additional context for error formatting.
type ErrorContext struct {
	ActionName string // The action that failed (for suggestions)
}

// Format returns a formatted error message with possible causes and
// suggestions. The context parameter is optional - pass nil for generic
// formatting. Expected PlanningErrors are rendered as their bare message,
// with no "Possible causes" block.
func Format(err error, ctx *ErrorContext) string {
	if err == nil {
		return ""
	}

	if pe, ok := ierr.IsExpectedPlanningError(err); ok {
		return pe.Message
	}

	var planErr *ierr.PlanningError
	if errors.As(err, &planErr) {
		return formatPlanningError(planErr, ctx)
	}

	var actErr *ierr.ActionError
	if errors.As(err, &actErr) {
		return formatActionError(actErr, ctx)
	}

	var recErr *ierr.ReceiptError
	if errors.As(err, &recErr) {
		return formatReceiptError(recErr, ctx)
	}

	errMsg := err.Error()

	if isRateLimitError(errMsg) {
		return formatRateLimitError(errMsg, ctx)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return formatNetworkError(netErr, ctx)
	}

	if isNetworkError(errMsg) {
		return formatGenericNetworkError(errMsg, ctx)
	}

	if isNotFoundError(errMsg) {
		return formatNotFoundError(errMsg, ctx)
	}

	if isPermissionError(errMsg) {
		return formatPermissionError(errMsg, ctx)
	}

	return errMsg
}

func formatPlanningError(err *ierr.PlanningError, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(err.Error())
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	sb.WriteString("  - The host does not match any supported planner\n")
	sb.WriteString("  - An existing user, group, or file has attributes incompatible with this install\n")
	sb.WriteString("  - nix.conf already contains a setting this install cannot merge\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString("  - Run with `plan` to inspect what would be done before installing\n")
	sb.WriteString("  - Run `self-test` to check prerequisites without mutating the system\n")

	return sb.String()
}

func formatActionError(err *ierr.ActionError, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(err.Error())
	sb.WriteString("\n")

	switch err.Kind {
	case ierr.ActionErrorCommand:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - The underlying command is missing or not on PATH\n")
		sb.WriteString("  - The command requires privileges this process does not have\n")
		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Re-run as root (or via sudo)\n")
		sb.WriteString("  - Inspect the captured stderr above for the underlying cause\n")
	case ierr.ActionErrorIO:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString(fmt.Sprintf("  - Insufficient permissions at %q\n", err.Path))
		sb.WriteString("  - Disk full or filesystem read-only\n")
		sb.WriteString("\nSuggestions:\n")
		sb.WriteString(fmt.Sprintf("  - Check ownership and free space for %q\n", err.Path))
	case ierr.ActionErrorMismatch:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - Another process modified the system concurrently\n")
		sb.WriteString("  - A previous partial install left the system in an unexpected state\n")
		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Run `repair` to reconcile the receipt with the live system\n")
	case ierr.ActionErrorChildren:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - One or more parallel sub-actions failed independently\n")
		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Inspect each child error above; only the failing children need remediation\n")
	case ierr.ActionErrorCancelled:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - The install was interrupted (Ctrl-C or SIGTERM)\n")
		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Re-run `install`; the receipt lets it resume from where it stopped\n")
	}

	return sb.String()
}

func formatReceiptError(err *ierr.ReceiptError, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(err.Error())
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	sb.WriteString(fmt.Sprintf("  - %q is corrupted or was hand-edited\n", err.Path))
	sb.WriteString("  - The receipt was written by an incompatible installer version\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString(fmt.Sprintf("  - Inspect %q; if corrupted, uninstall manually and re-install\n", err.Path))

	return sb.String()
}

func formatRateLimitError(errMsg string, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(errMsg)
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	sb.WriteString("  - Too many requests to the release API\n")
	sb.WriteString("  - Unauthenticated requests have lower limits\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString("  - Set GITHUB_TOKEN environment variable to increase rate limit\n")
	sb.WriteString("  - Wait a few minutes before retrying\n")

	return sb.String()
}

func formatNetworkError(err net.Error, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(err.Error())
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	if err.Timeout() {
		sb.WriteString("  - Request timed out\n")
		sb.WriteString("  - Slow or unstable network connection\n")
	} else {
		sb.WriteString("  - Network connectivity issue\n")
		sb.WriteString("  - DNS resolution failure\n")
	}
	sb.WriteString("  - Firewall or proxy blocking the connection\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString("  - Check your internet connection\n")
	sb.WriteString("  - Try again in a few minutes\n")
	if err.Timeout() {
		sb.WriteString("  - Check if you're behind a slow proxy\n")
	}

	return sb.String()
}

func formatGenericNetworkError(errMsg string, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(errMsg)
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	sb.WriteString("  - Network connectivity issue\n")
	sb.WriteString("  - DNS resolution failure\n")
	sb.WriteString("  - Service temporarily unavailable\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString("  - Check your internet connection\n")
	sb.WriteString("  - Try again in a few minutes\n")

	return sb.String()
}

func formatNotFoundError(errMsg string, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(errMsg)
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	sb.WriteString("  - The requested release asset does not exist for this platform\n")
	sb.WriteString("  - A typo in a configured channel or URL\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString("  - Check the configured channel URL\n")
	sb.WriteString("  - Run `plan` to see what URL was resolved\n")

	return sb.String()
}

func formatPermissionError(errMsg string, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(errMsg)
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	sb.WriteString("  - The installer is not running as root\n")
	sb.WriteString("  - A file or directory under /nix is owned by a different user\n")

	sb.WriteString("\nSuggestions:\n")
	sb.WriteString("  - Re-run as root (or via sudo)\n")
	sb.WriteString("  - Check ownership: ls -la /nix\n")

	return sb.String()
}

// isRateLimitError checks if the error message indicates a rate limit
func isRateLimitError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate-limit") ||
		strings.Contains(lower, "too many requests")
}

// isNetworkError checks if the error message indicates a network issue
func isNetworkError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "network is unreachable") ||
		strings.Contains(lower, "dial tcp") ||
		strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "i/o timeout")
}

// isNotFoundError checks if the error message indicates something not found
func isNotFoundError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not found") ||
		strings.Contains(lower, "404") ||
		strings.Contains(lower, "does not exist")
}

// isPermissionError checks if the error message indicates a permission issue
func isPermissionError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "operation not permitted")
}

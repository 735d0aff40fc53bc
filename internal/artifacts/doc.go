// Package artifacts abstracts durable stage byproducts over local and
// S3-compatible backends. Both variants satisfy the same capability
// interface; callers never branch on which one they hold.
package artifacts

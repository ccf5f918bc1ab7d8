// Package log provides per-request structured logging, the way the teacher's
// log package wraps go-kit/log with a request-ID-keyed logger cache.
package log

import (
	"net/url"
	"os"
	"strings"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/patrickmn/go-cache"
)

var loggerCache *cache.Cache
var defaultLoggerCacheExpiry = 6 * time.Hour

func init() {
	loggerCache = cache.New(defaultLoggerCacheExpiry, 10*time.Minute)
}

// AddContext permanently attaches keyvals to the logger for requestID; any
// future Log/LogError calls for this ID will include them.
func AddContext(requestID string, keyvals ...interface{}) {
	logger := kitlog.With(getLogger(requestID), redactKeyvals(keyvals...)...)
	if err := loggerCache.Replace(requestID, logger, defaultLoggerCacheExpiry); err != nil {
		_ = logger.Log("msg", "error replacing logger in cache: "+err.Error())
	}
}

func Log(requestID string, message string, keyvals ...interface{}) {
	_ = kitlog.With(getLogger(requestID), "msg", message).Log(redactKeyvals(keyvals...)...)
}

// LogNoRequestID logs in contexts with no natural request ID (background
// reapers, startup). Use sparingly.
func LogNoRequestID(message string, keyvals ...interface{}) {
	_ = kitlog.With(newLogger(), "msg", message).Log(redactKeyvals(keyvals...)...)
}

func LogError(requestID string, message string, err error, keyvals ...interface{}) {
	msgLogger := kitlog.With(getLogger(requestID), "msg", message)
	errLogger := kitlog.With(msgLogger, "err", err.Error())
	_ = errLogger.Log(redactKeyvals(keyvals...)...)
}

func getLogger(requestID string) kitlog.Logger {
	if logger, found := loggerCache.Get(requestID); found {
		return logger.(kitlog.Logger)
	}
	l := kitlog.With(newLogger(), "request_id", requestID)
	if err := loggerCache.Add(requestID, l, defaultLoggerCacheExpiry); err != nil {
		_ = l.Log("msg", "error adding logger to cache", "request_id", requestID, "err", err.Error())
	}
	return l
}

func newLogger() kitlog.Logger {
	l := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	return kitlog.With(l, "ts", kitlog.DefaultTimestampUTC)
}

// sensitiveFieldNames are the StepContext/request keys known to carry
// webhook callback targets or presigned source/result URLs -- the places a
// signature or auth token ends up in this API's logs. Unlike a bare
// "http"/"s3" prefix sniff, matching on the key lets a value get redacted
// even when logged without its scheme (e.g. a bare host:path captured from
// a parsed videojob.Request field).
var sensitiveFieldNames = map[string]bool{
	"callbackurl":  true,
	"callback_url": true,
	"sourceurl":    true,
	"source_url":   true,
	"source":       true,
	"resulturl":    true,
	"result_url":   true,
	"uploadurl":    true,
	"presignedurl": true,
}

// redactKeyvals redacts URL-shaped values, plus any value keyed by a
// sensitiveFieldNames entry regardless of its shape, before a log line
// reaches stderr -- so a CallbackURL or a signed S3 source/result URL never
// leaks its query-string credentials.
func redactKeyvals(keyvals ...interface{}) []interface{} {
	var res []interface{}
	for i := range keyvals {
		if i%2 == 1 {
			k, v := keyvals[i-1], keyvals[i]
			res = append(res, k)
			forced := isSensitiveKey(k)
			switch s := v.(type) {
			case string:
				res = append(res, redactString(s, forced))
			case url.URL:
				res = append(res, s.Redacted())
			case *url.URL:
				if s != nil {
					res = append(res, s.Redacted())
				} else {
					res = append(res, v)
				}
			default:
				res = append(res, v)
			}
		}
	}
	return res
}

func isSensitiveKey(key interface{}) bool {
	k, ok := key.(string)
	if !ok {
		return false
	}
	return sensitiveFieldNames[strings.ToLower(k)]
}

// redactString redacts str if it looks like a URL, or unconditionally when
// forced (the key it's attached to is known-sensitive) -- a bare host or a
// relative path logged under "callbackUrl" still gets scrubbed.
func redactString(str string, forced bool) string {
	strLower := strings.ToLower(str)
	if !forced && !strings.HasPrefix(strLower, "http") && !strings.HasPrefix(strLower, "s3") {
		return str
	}
	u, err := url.Parse(str)
	if err != nil {
		return "REDACTED"
	}
	return u.Redacted()
}

func RedactURL(str string) string {
	return redactString(str, false)
}

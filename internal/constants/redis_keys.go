package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// RateLimitModulePrefix 限流模块
	RateLimitModulePrefix = "ratelimit"
	// MatchModulePrefix 匹配模块
	MatchModulePrefix = "match"

	// EntityWindow 计数窗口实体
	EntityWindow = "window"
	// EntityLock 分布式锁实体
	EntityLock = "lock"

	// KeyRateLimitWindow 限流计数窗口 (STRING, INCR)
	// 格式: app:ratelimit:window:{identity}
	KeyRateLimitWindow = AppPrefix + ":" + RateLimitModulePrefix + ":" + EntityWindow + ":%s"

	// KeyMatchRunLock 某用户匹配运行的分布式锁 (STRING)
	// 格式: app:match:lock:{userID}
	KeyMatchRunLock = AppPrefix + ":" + MatchModulePrefix + ":" + EntityLock + ":%d"
)

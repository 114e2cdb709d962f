package shell

// Routes of the client
const (
	RouteRoot  = "/"
	RouteLogin = "/login"
	RouteChat  = "/chat"
)

// Resolve maps a requested route to the view to show. The root and unknown
// paths go to the chat view, which sends unauthenticated users to login.
func Resolve(path string, authenticated bool) string {
	switch path {
	case RouteLogin:
		return RouteLogin
	case RouteChat:
		if !authenticated {
			return RouteLogin
		}
		return RouteChat
	default:
		return Resolve(RouteChat, authenticated)
	}
}

package htserver

import (
	"encoding/json"
	"io/ioutil"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/logger"
)

// UserAllowAll is a regular expression used to match any request path
var UserAllowAll = regexp.MustCompile("")

// ParseAuth parses a ":"-delimited authorization string pair. Returns
// two empty strings if the input does not contain ":"
func ParseAuth(auth string) (string, string) {
	if strings.Contains(auth, ":") {
		pair := strings.SplitN(auth, ":", 2)
		return pair[0], pair[1]
	}
	return "", ""
}

// User describes a single user's authorization info, including name,
// password, and a list of request path regular expressions that are allowed
type User struct {
	Name  string
	Pass  string
	Paths []*regexp.Regexp
}

// HasAccess returns True if a given request path matches the allowed
// patterns for the user
func (u *User) HasAccess(path string) bool {
	m := false
	for _, r := range u.Paths {
		if r.MatchString(path) {
			m = true
			break
		}
	}
	return m
}

// UserIndex is a thread-safe user store, optionally backed by a JSON file
// that is hot-reloaded when it changes on disk.
type UserIndex struct {
	logger.Logger
	sync.RWMutex
	configFile string
	users      map[string]*User
}

// NewUserIndex creates an empty user index
func NewUserIndex(lg logger.Logger) *UserIndex {
	return &UserIndex{
		Logger: lg.ForkLogStr("users"),
		users:  map[string]*User{},
	}
}

// Len returns the number of users in the index
func (u *UserIndex) Len() int {
	u.RLock()
	defer u.RUnlock()
	return len(u.users)
}

// Get fetches a user by name
func (u *UserIndex) Get(key string) (*User, bool) {
	u.RLock()
	defer u.RUnlock()
	user, found := u.users[key]
	return user, found
}

// AddUser adds a user to the index, replacing any user with the same name
func (u *UserIndex) AddUser(user *User) {
	u.Lock()
	u.users[user.Name] = user
	u.Unlock()
}

// Del removes a user from the index
func (u *UserIndex) Del(key string) {
	u.Lock()
	delete(u.users, key)
	u.Unlock()
}

// LoadUsers reads the user index from the given JSON file and watches it
// for subsequent changes, reloading on each write.
func (u *UserIndex) LoadUsers(configFile string) error {
	u.configFile = configFile
	u.ILogf("Loading users from %s", configFile)
	if err := u.loadUserIndex(); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return u.Errorf("could not watch %s: %s", configFile, err)
	}
	if err := watcher.Add(configFile); err != nil {
		watcher.Close()
		return u.Errorf("could not watch %s: %s", configFile, err)
	}
	go u.watchEvents(watcher)
	return nil
}

func (u *UserIndex) watchEvents(watcher *fsnotify.Watcher) {
	for e := range watcher.Events {
		if e.Op&fsnotify.Write != fsnotify.Write {
			continue
		}
		if err := u.loadUserIndex(); err != nil {
			u.ILogf("Failed to reload user index: %s", err)
		} else {
			u.DLogf("Reloaded user index from %s", u.configFile)
		}
	}
}

// loadUserIndex parses the JSON file: an object mapping "user:pass" to a
// list of allowed request path regular expressions.
func (u *UserIndex) loadUserIndex() error {
	if u.configFile == "" {
		return u.Errorf("configuration file not set")
	}
	b, err := ioutil.ReadFile(u.configFile)
	if err != nil {
		return u.Errorf("Failed to read auth file: %s, error: %s", u.configFile, err)
	}
	var raw map[string][]string
	if err := json.Unmarshal(b, &raw); err != nil {
		return u.Errorf("Invalid JSON: %s", err)
	}
	users := map[string]*User{}
	for auth, remotes := range raw {
		user := &User{}
		user.Name, user.Pass = ParseAuth(auth)
		if user.Name == "" {
			return u.Errorf("Invalid user:pass string")
		}
		for _, r := range remotes {
			if r == "" || r == "*" {
				user.Paths = append(user.Paths, UserAllowAll)
			} else {
				re, err := regexp.Compile(r)
				if err != nil {
					return u.Errorf("Invalid path regular expression %q", r)
				}
				user.Paths = append(user.Paths, re)
			}
		}
		users[user.Name] = user
	}
	u.Lock()
	u.users = users
	u.Unlock()
	return nil
}

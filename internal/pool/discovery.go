package pool

import (
	"os"
	"path/filepath"
	"runtime"
)

// BrowserKind identifies the type of Chromium-based browser found on disk.
type BrowserKind string

const (
	BrowserChrome   BrowserKind = "chrome"
	BrowserBrave    BrowserKind = "brave"
	BrowserEdge     BrowserKind = "edge"
	BrowserChromium BrowserKind = "chromium"
	BrowserCustom   BrowserKind = "custom"
)

// BrowserExecutable is a located browser binary.
type BrowserExecutable struct {
	Kind BrowserKind
	Path string
}

// FindChromeExecutable locates a Chrome/Chromium-family browser. An
// explicit customPath always wins; otherwise well-known install locations
// are probed per platform.
func FindChromeExecutable(customPath string) (*BrowserExecutable, error) {
	if customPath != "" {
		if !fileExists(customPath) {
			return nil, &execNotFoundError{customPath}
		}
		return &BrowserExecutable{Kind: BrowserCustom, Path: customPath}, nil
	}

	var exe *BrowserExecutable
	switch runtime.GOOS {
	case "darwin":
		exe = findChromeMac()
	case "linux":
		exe = findChromeLinux()
	case "windows":
		exe = findChromeWindows()
	default:
		return nil, &unsupportedPlatformError{runtime.GOOS}
	}
	if exe == nil {
		return nil, &execNotFoundError{"no Chrome/Chromium install found in well-known locations"}
	}
	return exe, nil
}

type execNotFoundError struct{ path string }

func (e *execNotFoundError) Error() string { return "browser executable not found: " + e.path }

type unsupportedPlatformError struct{ goos string }

func (e *unsupportedPlatformError) Error() string { return "unsupported platform: " + e.goos }

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func findChromeMac() *BrowserExecutable {
	candidates := []struct {
		kind BrowserKind
		path string
	}{
		{BrowserChrome, "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"},
		{BrowserBrave, "/Applications/Brave Browser.app/Contents/MacOS/Brave Browser"},
		{BrowserEdge, "/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge"},
		{BrowserChromium, "/Applications/Chromium.app/Contents/MacOS/Chromium"},
	}
	for _, c := range candidates {
		if fileExists(c.path) {
			return &BrowserExecutable{Kind: c.kind, Path: c.path}
		}
	}
	return nil
}

func findChromeLinux() *BrowserExecutable {
	candidates := []struct {
		kind BrowserKind
		path string
	}{
		{BrowserChrome, "/usr/bin/google-chrome"},
		{BrowserChrome, "/usr/bin/google-chrome-stable"},
		{BrowserChrome, "/usr/bin/chrome"},
		{BrowserBrave, "/usr/bin/brave-browser"},
		{BrowserBrave, "/snap/bin/brave"},
		{BrowserEdge, "/usr/bin/microsoft-edge"},
		{BrowserEdge, "/usr/bin/microsoft-edge-stable"},
		{BrowserChromium, "/usr/bin/chromium"},
		{BrowserChromium, "/usr/bin/chromium-browser"},
		{BrowserChromium, "/snap/bin/chromium"},
	}
	for _, c := range candidates {
		if fileExists(c.path) {
			return &BrowserExecutable{Kind: c.kind, Path: c.path}
		}
	}
	return nil
}

func findChromeWindows() *BrowserExecutable {
	localAppData := os.Getenv("LOCALAPPDATA")
	programFiles := os.Getenv("ProgramFiles")
	if programFiles == "" {
		programFiles = `C:\Program Files`
	}

	var candidates []struct {
		kind BrowserKind
		path string
	}
	if localAppData != "" {
		candidates = append(candidates, struct {
			kind BrowserKind
			path string
		}{BrowserChrome, filepath.Join(localAppData, "Google", "Chrome", "Application", "chrome.exe")})
	}
	candidates = append(candidates, struct {
		kind BrowserKind
		path string
	}{BrowserChrome, filepath.Join(programFiles, "Google", "Chrome", "Application", "chrome.exe")})

	for _, c := range candidates {
		if fileExists(c.path) {
			return &BrowserExecutable{Kind: c.kind, Path: c.path}
		}
	}
	return nil
}

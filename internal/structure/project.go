package structure

import (
	"encoding/json"
	"regexp"
	"sort"

	"github.com/BurntSushi/toml"
)

var goModuleLine = regexp.MustCompile(`(?m)^module\s+"?([^\s"]+)"?\s*$`)

// detectProjects inspects manifests at the repository root.
func detectProjects(contents map[string][]byte) []Project {
	var out []Project

	if data, ok := contents["go.mod"]; ok {
		p := Project{Kind: LangGo, Manifest: "go.mod", TestCommand: "go test -json ./..."}
		if m := goModuleLine.FindSubmatch(data); m != nil {
			p.Name = string(m[1])
		}
		out = append(out, p)
	}

	if data, ok := contents["pyproject.toml"]; ok {
		var doc struct {
			Project struct {
				Name string `toml:"name"`
			} `toml:"project"`
			Tool struct {
				Poetry struct {
					Name string `toml:"name"`
				} `toml:"poetry"`
			} `toml:"tool"`
		}
		p := Project{Kind: LangPython, Manifest: "pyproject.toml", TestCommand: "python -m pytest -q"}
		if _, err := toml.Decode(string(data), &doc); err == nil {
			p.Name = firstNonEmpty(doc.Project.Name, doc.Tool.Poetry.Name)
		}
		out = append(out, p)
	} else if _, ok := contents["setup.py"]; ok {
		out = append(out, Project{Kind: LangPython, Manifest: "setup.py", TestCommand: "python -m pytest -q"})
	}

	if data, ok := contents["package.json"]; ok {
		var pkg struct {
			Name         string            `json:"name"`
			Scripts      map[string]string `json:"scripts"`
			DevDeps      map[string]string `json:"devDependencies"`
			Dependencies map[string]string `json:"dependencies"`
		}
		p := Project{Kind: "node", Manifest: "package.json"}
		if err := json.Unmarshal(data, &pkg); err == nil {
			p.Name = pkg.Name
			switch {
			case pkg.DevDeps["vitest"] != "":
				p.TestCommand = "npx vitest run --reporter=json"
			case pkg.DevDeps["jest"] != "" || pkg.Dependencies["jest"] != "":
				p.TestCommand = "npx jest --json"
			case pkg.Scripts["test"] != "":
				p.TestCommand = "npm test --silent"
			}
		}
		out = append(out, p)
	}

	if data, ok := contents["Cargo.toml"]; ok {
		var doc struct {
			Package struct {
				Name string `toml:"name"`
			} `toml:"package"`
		}
		p := Project{Kind: LangRust, Manifest: "Cargo.toml", TestCommand: "cargo test"}
		if _, err := toml.Decode(string(data), &doc); err == nil {
			p.Name = doc.Package.Name
		}
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Manifest < out[j].Manifest })
	return out
}

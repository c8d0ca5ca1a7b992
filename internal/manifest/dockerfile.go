package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const dockerfileTemplate = `FROM continuumio/miniconda3 as miniconda
RUN conda install conda-forge::conda-project --yes && conda clean --all --yes

FROM miniconda as conda-project

COPY --from=miniconda /opt/conda /opt/conda

ENV TZ=US/Central
RUN cp /usr/share/zoneinfo/${TZ} /etc/localtime \
    && echo ${TZ} > /etc/timezone

ENV PYTHONDONTWRITEBYTECODE=1
ENV PIP_NO_CACHE_DIR=1

ENV PATH=/opt/conda/bin:$PATH
ENV HOME=/project

COPY . /project
RUN chown -R 1001:1001 /project

USER 1001
WORKDIR /project
RUN ["conda", "project", "prepare", "--force"]

ENTRYPOINT ["conda", "project", "run"]
CMD []
`

const customStepMarker = `RUN ["conda", "project", "prepare", "--force"]`

// GenerateBuildSpec renders the Dockerfile content for a project, injecting
// optional custom RUN steps before the prepare stage.
func GenerateBuildSpec(customSteps []string) string {
	content := dockerfileTemplate
	if len(customSteps) == 0 {
		return content
	}
	steps := make([]string, 0, len(customSteps))
	for _, step := range customSteps {
		step = strings.TrimSpace(step)
		if step == "" {
			continue
		}
		steps = append(steps, "RUN "+step)
	}
	if len(steps) == 0 {
		return content
	}
	return strings.Replace(content, customStepMarker, strings.Join(steps, "\n")+"\n"+customStepMarker, 1)
}

// EnsureBuildSpec writes a Dockerfile into the project directory when one is
// not already present, and returns its path.
func EnsureBuildSpec(projectPath string, customSteps []string) (string, error) {
	if projectPath == "" {
		return "", fmt.Errorf("project path cannot be empty")
	}
	dockerfilePath := filepath.Join(projectPath, "Dockerfile")
	if _, err := os.Stat(dockerfilePath); err == nil {
		return dockerfilePath, nil
	}
	if err := os.WriteFile(dockerfilePath, []byte(GenerateBuildSpec(customSteps)), 0o644); err != nil {
		return "", fmt.Errorf("write build spec: %w", err)
	}
	return dockerfilePath, nil
}
